package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCombined = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, newTestLogger())
	require.NoError(t, err)

	key, err := interfaces.NewDigestFromHex(testCombined)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	_, err = backend.Fetch(ctx, key, interfaces.RequestBodyType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, key, []byte("req"), interfaces.RequestBodyType))
	require.NoError(t, backend.Store(ctx, key, []byte("resp"), interfaces.ResponseBodyType))

	data, err := backend.Fetch(ctx, key, interfaces.RequestBodyType)
	require.NoError(t, err)
	assert.Equal(t, []byte("req"), data)

	data, err = backend.Fetch(ctx, key, interfaces.ResponseBodyType)
	require.NoError(t, err)
	assert.Equal(t, []byte("resp"), data)

	// Overwrites replace the whole body.
	require.NoError(t, backend.Store(ctx, key, []byte("r"), interfaces.RequestBodyType))
	data, err = backend.Fetch(ctx, key, interfaces.RequestBodyType)
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), data)

	_, err = os.Stat(filepath.Join(dir, "requests", testCombined))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "requests"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestPayloadStore(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), newTestLogger())
	require.NoError(t, err)
	store := NewPayloadStore(backend, newTestLogger())
	ctx := context.Background()

	_, err = store.Load(ctx, testCombined)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	payload := interfaces.Payload{Request: `{"model":"x"}`, Response: `{"ok":true}`}
	require.NoError(t, store.Store(ctx, testCombined, payload))

	loaded, err := store.Load(ctx, testCombined)
	require.NoError(t, err)
	assert.Equal(t, payload, *loaded)

	t.Run("rejects malformed hashes", func(t *testing.T) {
		err := store.Store(ctx, "not-a-hash", payload)
		assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

		_, err = store.Load(ctx, strings.Repeat("z", 64))
		assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
	})

	t.Run("empty bodies round trip", func(t *testing.T) {
		other := strings.Repeat("a", 64)
		require.NoError(t, store.Store(ctx, other, interfaces.Payload{}))
		loaded, err := store.Load(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, interfaces.Payload{}, *loaded)
	})
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(newTestLogger())

	t.Run("file", func(t *testing.T) {
		dir := t.TempDir()
		loc, err := interfaces.NewStorageBackendLocation("file://" + dir)
		require.NoError(t, err)

		backend, err := factory.StorageBackendFor(loc)
		require.NoError(t, err)
		assert.IsType(t, &FileBackend{}, backend)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := interfaces.NewStorageBackendLocation("github://owner/repo")
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("vault requires mount and path", func(t *testing.T) {
		loc, err := interfaces.NewStorageBackendLocation("vault://localhost:8200/secret")
		require.NoError(t, err)
		_, err = factory.StorageBackendFor(loc)
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("multi backend skips invalid locations", func(t *testing.T) {
		good, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
		require.NoError(t, err)
		bad, err := interfaces.NewStorageBackendLocation("vault://localhost:8200/")
		require.NoError(t, err)

		backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{bad, good})
		require.NoError(t, err)
		assert.IsType(t, &FileBackend{}, backend)

		_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{bad})
		assert.Error(t, err)
	})

	t.Run("multi backend over two directories", func(t *testing.T) {
		first, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
		require.NoError(t, err)
		second, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
		require.NoError(t, err)

		backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{first, second})
		require.NoError(t, err)
		assert.IsType(t, &MultiStorageBackend{}, backend)

		store := NewPayloadStore(backend, newTestLogger())
		require.NoError(t, store.Store(context.Background(), testCombined, interfaces.Payload{Request: "a", Response: "b"}))
		loaded, err := store.Load(context.Background(), testCombined)
		require.NoError(t, err)
		assert.Equal(t, "a", loaded.Request)
	})
}

// fakeVault serves the small subset of the KV v2 and sys/health API the
// backend uses.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]json.RawMessage
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/v1/sys/health" {
		_, _ = w.Write([]byte(`{"initialized":true,"sealed":false,"standby":false}`))
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, ok := f.secrets[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":` + string(data) + `}`))
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.secrets[r.URL.Path] = json.RawMessage(`{"data":` + string(body.Data) + `,"metadata":{"version":1}}`)
		_, _ = w.Write([]byte(`{"data":{"version":1}}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestVaultBackend(t *testing.T) {
	fake := &fakeVault{secrets: map[string]json.RawMessage{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	backend, err := NewVaultBackend(srv.URL, "secret", "ioproof", "test-token", newTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	key, err := interfaces.NewDigestFromHex(testCombined)
	require.NoError(t, err)

	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "vault-secret-ioproof", backend.Name())

	_, err = backend.Fetch(ctx, key, interfaces.RequestBodyType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	body := []byte{0x00, 0xff, 'b', 'i', 'n'}
	require.NoError(t, backend.Store(ctx, key, body, interfaces.RequestBodyType))

	fake.mu.Lock()
	_, stored := fake.secrets["/v1/secret/data/ioproof/request/"+testCombined]
	fake.mu.Unlock()
	assert.True(t, stored)

	data, err := backend.Fetch(ctx, key, interfaces.RequestBodyType)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	_, err = backend.Fetch(ctx, key, interfaces.ResponseBodyType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
