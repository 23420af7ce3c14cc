package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

// PayloadStore keeps raw request and response bodies on a StorageBackend,
// keyed by the proof's combined hash.
type PayloadStore struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewPayloadStore(backend interfaces.StorageBackend, log *slog.Logger) *PayloadStore {
	return &PayloadStore{backend: backend, log: log}
}

func (s *PayloadStore) Store(ctx context.Context, combinedHash string, payload interfaces.Payload) error {
	key, err := interfaces.NewDigestFromHex(combinedHash)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidInput, err)
	}

	if err := s.backend.Store(ctx, key, []byte(payload.Request), interfaces.RequestBodyType); err != nil {
		return fmt.Errorf("failed to store request body: %w", err)
	}
	if err := s.backend.Store(ctx, key, []byte(payload.Response), interfaces.ResponseBodyType); err != nil {
		return fmt.Errorf("failed to store response body: %w", err)
	}

	s.log.Debug("Stored payload",
		slog.String("combinedHash", combinedHash),
		slog.String("backend", s.backend.Name()))
	return nil
}

// Load returns interfaces.ErrNotFound if either body is missing.
func (s *PayloadStore) Load(ctx context.Context, combinedHash string) (*interfaces.Payload, error) {
	key, err := interfaces.NewDigestFromHex(combinedHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidInput, err)
	}

	req, err := s.backend.Fetch(ctx, key, interfaces.RequestBodyType)
	if err != nil {
		return nil, translateFetchErr(err)
	}
	resp, err := s.backend.Fetch(ctx, key, interfaces.ResponseBodyType)
	if err != nil {
		return nil, translateFetchErr(err)
	}

	return &interfaces.Payload{Request: string(req), Response: string(resp)}, nil
}

func translateFetchErr(err error) error {
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return interfaces.ErrNotFound
	}
	return fmt.Errorf("failed to load payload: %w", err)
}
