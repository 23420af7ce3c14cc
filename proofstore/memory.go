package proofstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

// MemoryStore is a goroutine-safe in-process ProofStore.
type MemoryStore struct {
	mu     sync.RWMutex
	proofs []*interfaces.Proof
	// byBlinded is keyed by record identity; byCombined holds the first
	// proof seen for each combined hash.
	byBlinded  map[string]*interfaces.Proof
	byCombined map[string]*interfaces.Proof
	batches    map[string]*interfaces.Batch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byBlinded:  make(map[string]*interfaces.Proof),
		byCombined: make(map[string]*interfaces.Proof),
		batches:    make(map[string]*interfaces.Batch),
	}
}

func (s *MemoryStore) Insert(_ context.Context, proof *interfaces.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byBlinded[proof.BlindedHash]; exists {
		return fmt.Errorf("%w: proof %s", interfaces.ErrAlreadyExists, proof.BlindedHash)
	}

	stored := cloneProof(proof)
	s.proofs = append(s.proofs, stored)
	s.byBlinded[stored.BlindedHash] = stored
	if _, exists := s.byCombined[stored.CombinedHash]; !exists {
		s.byCombined[stored.CombinedHash] = stored
	}
	return nil
}

// FindByHash scans in insertion order; combined hashes take precedence over
// the other keys through the index.
func (s *MemoryStore) FindByHash(_ context.Context, hash string) (*interfaces.Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.byCombined[hash]; ok {
		return cloneProof(p), nil
	}
	for _, p := range s.proofs {
		if p.MatchesHash(hash) {
			return cloneProof(p), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*interfaces.Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*interfaces.Proof
	for _, p := range s.proofs {
		if p.State == interfaces.StatePendingBatch {
			pending = append(pending, cloneProof(p))
		}
	}
	return pending, nil
}

func (s *MemoryStore) UpdateBatch(_ context.Context, blindedHashes []string, update interfaces.BatchUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, h := range blindedHashes {
		p, ok := s.byBlinded[h]
		if !ok || p.State != interfaces.StatePendingBatch {
			continue
		}
		applyBatchUpdate(p, update)
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) InsertBatch(_ context.Context, batch *interfaces.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.BatchID]; exists {
		return fmt.Errorf("%w: batch %s", interfaces.ErrAlreadyExists, batch.BatchID)
	}
	s.batches[batch.BatchID] = cloneBatch(batch)
	return nil
}

func (s *MemoryStore) FindBatch(_ context.Context, batchID string) (*interfaces.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneBatch(b), nil
}
