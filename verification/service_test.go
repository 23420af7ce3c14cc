package verification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/ioproof-attestation-backend/attestation"
	"github.com/ruteri/ioproof-attestation-backend/batch"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/ledger"
	"github.com/ruteri/ioproof-attestation-backend/proofstore"
	"github.com/ruteri/ioproof-attestation-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLedger struct {
	signature string
	slot      uint64
	memos     map[string]*ledger.MemoFields
}

func (l *fixedLedger) Commit(ctx context.Context, batchID, merkleRoot string, leafCount int, timestamp string) (*interfaces.LedgerReceipt, error) {
	if l.signature == "" {
		return nil, errors.New("ledger down")
	}
	l.memos[l.signature] = &ledger.MemoFields{BatchID: batchID, MerkleRoot: merkleRoot, LeafCount: leafCount, Timestamp: timestamp}
	return &interfaces.LedgerReceipt{Signature: l.signature, Slot: l.slot}, nil
}

func (l *fixedLedger) FetchMemo(ctx context.Context, signature string) (*ledger.MemoFields, error) {
	fields, ok := l.memos[signature]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return fields, nil
}

type testEnv struct {
	store    *proofstore.MemoryStore
	payloads *storage.PayloadStore
	attestor *attestation.Attestor
	batcher  *batch.Scheduler
	service  *Service
	ledger   *fixedLedger
	clock    *clock.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	env := &testEnv{
		store:    proofstore.NewMemoryStore(),
		payloads: storage.NewPayloadStore(backend, logger),
		ledger:   &fixedLedger{signature: "5xSig", slot: 4242, memos: map[string]*ledger.MemoFields{}},
		clock:    mockClock,
	}
	explorer := ledger.SolanaExplorer{Cluster: "devnet"}

	env.attestor, err = attestation.NewAttestor(attestation.AttestorConfig{
		Store:    env.store,
		Payloads: env.payloads,
		Explorer: explorer,
		BaseURL:  "https://ioproof.example",
		Clock:    mockClock,
		Log:      logger,
	})
	require.NoError(t, err)

	env.batcher, err = batch.NewScheduler(batch.Config{
		Store:  env.store,
		Ledger: env.ledger,
		Clock:  mockClock,
		Log:    logger,
	})
	require.NoError(t, err)

	env.service, err = NewService(Config{
		Store:    env.store,
		Payloads: env.payloads,
		Explorer: explorer,
		Clock:    mockClock,
		Log:      logger,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) submit(t *testing.T, request, response string) *attestation.Receipt {
	t.Helper()
	receipt, err := e.attestor.Submit(context.Background(), attestation.Submission{
		RequestBody:  request,
		ResponseBody: response,
		Provider:     "openai",
		Endpoint:     "/v1/chat/completions",
	})
	require.NoError(t, err)
	e.clock.Add(time.Millisecond)
	return receipt
}

func (e *testEnv) runBatch(t *testing.T) *batch.CycleResult {
	t.Helper()
	result, err := e.batcher.RunCycle(context.Background())
	require.NoError(t, err)
	return result
}

func bare(h string) string {
	return strings.TrimPrefix(h, "sha256:")
}

func TestLookupValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Lookup(context.Background(), "xyz", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.service.Lookup(context.Background(), strings.Repeat("A", 64), "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.service.Lookup(context.Background(), strings.Repeat("a", 64), "short")
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.service.Lookup(context.Background(), strings.Repeat("a", 64), "")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestLookupDisclosureGating(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.submit(t, `{"q":"hi"}`, `{"a":"hello"}`)
	combined := bare(receipt.CombinedHash)

	t.Run("no secret", func(t *testing.T) {
		result, err := env.service.Lookup(context.Background(), combined, "")
		require.NoError(t, err)
		assert.True(t, result.Found)
		assert.Equal(t, bare(receipt.BlindedHash), result.BlindedHash)
		assert.Equal(t, interfaces.StatePendingBatch, result.SolanaStatus)
		assert.Nil(t, result.BatchID)
		assert.Nil(t, result.SecretValid)
		assert.Nil(t, result.Disclosure)
		assert.Nil(t, result.MerkleValid)

		raw, err := json.Marshal(result)
		require.NoError(t, err)
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &fields))
		for _, hidden := range []string{"combined_hash", "request_hash", "response_hash", "timestamp", "provider", "request_body", "response_body", "secret_valid"} {
			assert.NotContains(t, fields, hidden)
		}
		assert.Contains(t, fields, "batch_id")
		assert.Nil(t, fields["batch_id"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		result, err := env.service.Lookup(context.Background(), combined, strings.Repeat("0", 64))
		require.NoError(t, err)
		require.NotNil(t, result.SecretValid)
		assert.False(t, *result.SecretValid)
		assert.Equal(t, AccessNone, result.AccessType)
		assert.Nil(t, result.Disclosure)
	})

	t.Run("owner secret", func(t *testing.T) {
		result, err := env.service.Lookup(context.Background(), combined, receipt.Secret)
		require.NoError(t, err)
		require.NotNil(t, result.SecretValid)
		assert.True(t, *result.SecretValid)
		assert.Equal(t, AccessOwner, result.AccessType)
		require.NotNil(t, result.Disclosure)
		assert.Equal(t, combined, result.CombinedHash)
		assert.Equal(t, bare(receipt.RequestHash), result.RequestHash)
		assert.Equal(t, receipt.Timestamp, result.Timestamp)
		assert.Equal(t, "openai", result.Provider)
		require.NotNil(t, result.RequestBody)
		assert.Equal(t, `{"q":"hi"}`, *result.RequestBody)
		assert.Equal(t, `{"a":"hello"}`, *result.ResponseBody)
		assert.Nil(t, result.SolanaSignature)
	})

	t.Run("user secret", func(t *testing.T) {
		result, err := env.service.Lookup(context.Background(), combined, receipt.UserSecret)
		require.NoError(t, err)
		assert.Equal(t, AccessUser, result.AccessType)
		require.NotNil(t, result.Disclosure)
		assert.Equal(t, combined, result.CombinedHash)
	})

	t.Run("lookup by any hash", func(t *testing.T) {
		for _, h := range []string{receipt.RequestHash, receipt.ResponseHash, receipt.BlindedHash} {
			result, err := env.service.Lookup(context.Background(), bare(h), "")
			require.NoError(t, err)
			assert.Equal(t, bare(receipt.BlindedHash), result.BlindedHash)
		}
	})
}

func TestLookupAfterBatch(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "req-1", "resp-1")
	env.submit(t, "req-2", "resp-2")
	env.submit(t, "req-3", "resp-3")
	cycle := env.runBatch(t)

	result, err := env.service.Lookup(context.Background(), bare(first.CombinedHash), first.Secret)
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, result.SolanaStatus)
	require.NotNil(t, result.BatchID)
	assert.Equal(t, cycle.BatchID, *result.BatchID)
	require.NotNil(t, result.MerkleValid)
	assert.True(t, *result.MerkleValid)
	require.NotNil(t, result.BatchConsistent)
	assert.True(t, *result.BatchConsistent)
	assert.NotEmpty(t, result.MerkleProof)
	require.NotNil(t, result.ExplorerURL)
	assert.Equal(t, "https://explorer.solana.com/tx/5xSig?cluster=devnet", *result.ExplorerURL)
	require.NotNil(t, result.SolanaSignature)
	assert.Equal(t, "5xSig", *result.SolanaSignature)
	require.NotNil(t, result.SolanaSlot)
	assert.Equal(t, uint64(4242), *result.SolanaSlot)

	batchResult, err := env.service.LookupBatch(context.Background(), cycle.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 3, batchResult.ProofCount)
	assert.Equal(t, cycle.MerkleRoot, batchResult.MerkleRoot)
	require.NotNil(t, batchResult.ExplorerURL)

	_, err = env.service.LookupBatch(context.Background(), "batch_missing_00000000")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestLookupDetectsTampering(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.submit(t, "req", "resp")
	other := env.submit(t, "req-b", "resp-b")
	env.runBatch(t)

	// A proof whose stored root disagrees with its path and its batch.
	proof, err := env.store.FindByHash(context.Background(), bare(receipt.CombinedHash))
	require.NoError(t, err)
	tampered := *proof
	tampered.CombinedHash = strings.Repeat("9", 64)
	tampered.RequestHash = strings.Repeat("8", 64)
	tampered.ResponseHash = strings.Repeat("7", 64)
	tampered.BlindedHash = attestation.BlindHash(tampered.CombinedHash, tampered.OwnerSecret)
	tampered.MerkleRoot = strings.Repeat("6", 64)
	require.NoError(t, env.store.Insert(context.Background(), &tampered))

	result, err := env.service.Lookup(context.Background(), tampered.CombinedHash, "")
	require.NoError(t, err)
	require.NotNil(t, result.MerkleValid)
	assert.False(t, *result.MerkleValid)
	require.NotNil(t, result.BatchConsistent)
	assert.False(t, *result.BatchConsistent)

	result, err = env.service.Lookup(context.Background(), bare(other.CombinedHash), "")
	require.NoError(t, err)
	assert.True(t, *result.MerkleValid)
}

func TestLookupSharedCombinedHash(t *testing.T) {
	env := newTestEnv(t)
	sub := attestation.Submission{RequestBody: "same request", ResponseBody: "same response", Provider: "openai"}

	first, err := env.attestor.Submit(context.Background(), sub)
	require.NoError(t, err)
	second, err := env.attestor.Submit(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, first.CombinedHash, second.CombinedHash)
	combined := bare(first.CombinedHash)

	cycle := env.runBatch(t)
	assert.Equal(t, 2, cycle.LeafCount)

	for _, receipt := range []*attestation.Receipt{first, second} {
		result, err := env.service.Lookup(context.Background(), combined, receipt.Secret)
		require.NoError(t, err)
		assert.Equal(t, AccessOwner, result.AccessType)
		assert.Equal(t, bare(receipt.BlindedHash), result.BlindedHash)
		require.NotNil(t, result.MerkleValid)
		assert.True(t, *result.MerkleValid)

		bundle, err := env.service.Export(context.Background(), combined, receipt.Secret)
		require.NoError(t, err)
		assert.Equal(t, bare(receipt.BlindedHash), bundle.Proof.BlindedHash)
		assert.NoError(t, CheckBundle(VerifyBundle(context.Background(), bundle, env.ledger)))
	}

	for _, receipt := range []*attestation.Receipt{first, second} {
		require.NotEmpty(t, receipt.UserSecret)
		result, err := env.service.Lookup(context.Background(), combined, receipt.UserSecret)
		require.NoError(t, err)
		assert.Equal(t, AccessUser, result.AccessType)
		assert.Equal(t, bare(receipt.BlindedHash), result.BlindedHash)

		bundle, err := env.service.Export(context.Background(), combined, receipt.UserSecret)
		require.NoError(t, err)
		assert.Equal(t, AccessUser, bundle.Proof.SecretType)
		assert.Equal(t, bare(receipt.BlindedHash), bundle.Proof.BlindedHash)
		assert.NoError(t, CheckBundle(VerifyBundle(context.Background(), bundle, env.ledger)))
	}

	result, err := env.service.Lookup(context.Background(), combined, "")
	require.NoError(t, err)
	assert.Equal(t, bare(first.BlindedHash), result.BlindedHash)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.submit(t, `{"prompt":"x"}`, `{"completion":"y"}`)
	combined := bare(receipt.CombinedHash)

	_, err := env.service.Export(context.Background(), combined, "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	_, err = env.service.Export(context.Background(), strings.Repeat("b", 64), receipt.Secret)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = env.service.Export(context.Background(), combined, strings.Repeat("c", 64))
	assert.ErrorIs(t, err, interfaces.ErrSecretMismatch)

	_, err = env.service.Export(context.Background(), combined, receipt.Secret)
	assert.ErrorIs(t, err, interfaces.ErrNotAnchored)

	env.submit(t, "second", "pair")
	cycle := env.runBatch(t)

	bundle, err := env.service.Export(context.Background(), combined, receipt.UserSecret)
	require.NoError(t, err)
	assert.Equal(t, BundleVersion, bundle.Version)
	assert.Equal(t, receipt.UserSecret, bundle.Proof.Secret)
	assert.Equal(t, AccessUser, bundle.Proof.SecretType)
	assert.Equal(t, cycle.MerkleRoot, bundle.Merkle.Root)
	assert.Equal(t, cycle.BatchID, bundle.Batch.ID)
	assert.Equal(t, "devnet", bundle.Solana.Cluster)
	assert.Equal(t, ledger.MemoFormat, bundle.Solana.MemoFormat)
	require.NotNil(t, bundle.Payloads)
	assert.Equal(t, `{"prompt":"x"}`, bundle.Payloads.Request)
	assert.Len(t, bundle.VerificationSteps, 6)

	userResults := VerifyBundle(context.Background(), bundle, env.ledger)
	assert.NoError(t, CheckBundle(userResults))
	assert.True(t, userResults[3].Skipped)

	bundle, err = env.service.Export(context.Background(), combined, receipt.Secret)
	require.NoError(t, err)
	assert.Equal(t, AccessOwner, bundle.Proof.SecretType)

	results := VerifyBundle(context.Background(), bundle, nil)
	require.Len(t, results, 6)
	assert.NoError(t, CheckBundle(results))
	for _, r := range results[:5] {
		assert.True(t, r.OK, r.Name)
	}
	assert.True(t, results[5].Skipped)

	results = VerifyBundle(context.Background(), bundle, env.ledger)
	assert.NoError(t, CheckBundle(results))
	assert.True(t, results[5].OK)
}

func TestExportUnsignedBatch(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.signature = ""
	receipt := env.submit(t, "a", "b")
	env.runBatch(t)

	bundle, err := env.service.Export(context.Background(), bare(receipt.CombinedHash), receipt.Secret)
	require.NoError(t, err)
	assert.Nil(t, bundle.Solana.Signature)
	assert.Nil(t, bundle.Solana.ExplorerURL)
	assert.NotNil(t, bundle.Merkle.Proof)

	results := VerifyBundle(context.Background(), bundle, env.ledger)
	assert.NoError(t, CheckBundle(results))
	assert.True(t, results[5].Skipped)
}

func TestVerifyBundleDetectsTampering(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.submit(t, "original request", "original response")
	env.submit(t, "other", "pair")
	env.runBatch(t)

	export := func() *Bundle {
		b, err := env.service.Export(context.Background(), bare(receipt.CombinedHash), receipt.Secret)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name   string
		mutate func(b *Bundle)
		step   int
	}{
		{"request body", func(b *Bundle) { b.Payloads.Request = "forged request" }, 1},
		{"response body", func(b *Bundle) { b.Payloads.Response = "forged response" }, 2},
		{"timestamp", func(b *Bundle) { b.Proof.Timestamp = "2030-01-01T00:00:00.000Z" }, 3},
		{"secret", func(b *Bundle) { b.Proof.Secret = strings.Repeat("1", 64) }, 4},
		{"merkle root", func(b *Bundle) { b.Merkle.Root = strings.Repeat("2", 64) }, 5},
		{"memo root", func(b *Bundle) {
			sig := "unknown-signature"
			b.Solana.Signature = &sig
		}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := export()
			tt.mutate(b)
			results := VerifyBundle(context.Background(), b, env.ledger)
			err := CheckBundle(results)
			require.ErrorIs(t, err, ErrBundleInvalid)
			assert.False(t, results[tt.step-1].OK)
		})
	}
}

func TestCheckSecret(t *testing.T) {
	combined := strings.Repeat("c", 64)
	owner := strings.Repeat("1", 64)
	user := strings.Repeat("2", 64)
	proof := &interfaces.Proof{
		CombinedHash: combined,
		BlindedHash:  attestation.BlindHash(combined, owner),
		OwnerSecret:  owner,
		UserSecret:   user,
	}

	assert.Equal(t, AccessOwner, CheckSecret(proof, owner))
	assert.Equal(t, AccessUser, CheckSecret(proof, user))
	assert.Equal(t, AccessNone, CheckSecret(proof, strings.Repeat("3", 64)))
	assert.Equal(t, AccessNone, CheckSecret(proof, ""))

	// A proof without a user secret never matches on user access.
	proof.UserSecret = ""
	assert.Equal(t, AccessNone, CheckSecret(proof, ""))
	assert.Equal(t, AccessNone, CheckSecret(proof, user))
}
