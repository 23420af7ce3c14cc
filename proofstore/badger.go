package proofstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v2"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

// Key prefixes.
const (
	codeProof   byte = 0x01 // blinded hash -> proofRecord
	codeHashIdx byte = 0x02 // combined/request/response hash or user commitment -> blinded hash of the first proof
	codePending byte = 0x03 // big-endian sequence -> blinded hash
	codeBatch   byte = 0x04 // batch id -> Batch
)

// confirmChunkSize bounds the proofs confirmed in one transaction. Chunks
// that still exceed badger's transaction limits are split further.
const confirmChunkSize = 1000

var sequenceKey = []byte{0xff, 's', 'e', 'q'}

// proofRecord wraps a proof with its insertion sequence, which orders the
// pending index.
type proofRecord struct {
	Proof *interfaces.Proof
	Seq   uint64
}

// BadgerStore is a ProofStore on an embedded Badger database.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// OpenBadgerStore opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLogger{log: log.With("component", "badger")})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger db: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create sequence: %w", err)
	}

	log.Debug("Opened badger proof store", slog.String("dir", dir))
	return &BadgerStore{db: db, seq: seq, log: log}, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Failed to release badger sequence", "err", err)
	}
	return s.db.Close()
}

func makePrefix(code byte, key string) []byte {
	return append([]byte{code}, key...)
}

func pendingKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = codePending
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// insert encodes entity under key and fails if key exists.
func insert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if err == nil {
			return interfaces.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}

		val, err := encodeEntity(entity)
		if err != nil {
			return err
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// update replaces the value under an existing key.
func update(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not check key: %w", err)
		}

		val, err := encodeEntity(entity)
		if err != nil {
			return err
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not replace data: %w", err)
		}
		return nil
	}
}

// retrieve decodes the value under key into entity.
func retrieve(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load data: %w", err)
		}
		return item.Value(func(val []byte) error {
			return decodeValue(val, entity)
		})
	}
}

// indexHash points hash at blindedHash unless another proof already claimed it.
func indexHash(hash, blindedHash string) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		key := makePrefix(codeHashIdx, hash)
		_, err := tx.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check index: %w", err)
		}
		return tx.Set(key, []byte(blindedHash))
	}
}

func lookupIndex(hash string, blindedHash *string) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(makePrefix(codeHashIdx, hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load index: %w", err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		*blindedHash = string(val)
		return nil
	}
}

// Insert keys the record by blinded hash. Proofs sharing a combined hash are
// all kept; the combined, request and response indexes resolve to the first.
func (s *BadgerStore) Insert(_ context.Context, proof *interfaces.Proof) error {
	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("could not allocate sequence: %w", err)
	}

	err = s.db.Update(func(tx *badger.Txn) error {
		rec := proofRecord{Proof: proof, Seq: seq}
		if err := insert(makePrefix(codeProof, proof.BlindedHash), &rec)(tx); err != nil {
			return err
		}
		for _, h := range []string{proof.CombinedHash, proof.RequestHash, proof.ResponseHash, proof.UserCommitment} {
			if h == "" {
				continue
			}
			if err := indexHash(h, proof.BlindedHash)(tx); err != nil {
				return err
			}
		}
		if proof.State == interfaces.StatePendingBatch {
			return tx.Set(pendingKey(seq), []byte(proof.BlindedHash))
		}
		return nil
	})
	if errors.Is(err, interfaces.ErrAlreadyExists) {
		return fmt.Errorf("%w: proof %s", interfaces.ErrAlreadyExists, proof.BlindedHash)
	}
	return err
}

func (s *BadgerStore) FindByHash(_ context.Context, hash string) (*interfaces.Proof, error) {
	var rec proofRecord
	err := s.db.View(func(tx *badger.Txn) error {
		var blinded string
		err := lookupIndex(hash, &blinded)(tx)
		if errors.Is(err, interfaces.ErrNotFound) {
			return retrieve(makePrefix(codeProof, hash), &rec)(tx)
		}
		if err != nil {
			return err
		}
		return retrieve(makePrefix(codeProof, blinded), &rec)(tx)
	})
	if err != nil {
		return nil, err
	}
	return rec.Proof, nil
}

func (s *BadgerStore) ListPending(_ context.Context) ([]*interfaces.Proof, error) {
	var pending []*interfaces.Proof
	err := s.db.View(func(tx *badger.Txn) error {
		it := tx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{codePending}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			blinded, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("could not read pending entry: %w", err)
			}

			var rec proofRecord
			if err := retrieve(makePrefix(codeProof, string(blinded)), &rec)(tx); err != nil {
				return fmt.Errorf("pending entry %s: %w", blinded, err)
			}
			pending = append(pending, rec.Proof)
		}
		return nil
	})
	return pending, err
}

// UpdateBatch confirms proofs in chunks of confirmChunkSize, one transaction
// per chunk. A chunk rejected with badger.ErrTxnTooBig is halved and retried;
// nothing of a rejected transaction is written.
// A failure after some chunks committed leaves those proofs confirmed; the
// rest stay pending for the next cycle, so the batch record's leaf list is
// then a superset of the proofs confirmed under it.
func (s *BadgerStore) UpdateBatch(_ context.Context, blindedHashes []string, upd interfaces.BatchUpdate) (int, error) {
	updated := 0
	for start := 0; start < len(blindedHashes); start += confirmChunkSize {
		end := start + confirmChunkSize
		if end > len(blindedHashes) {
			end = len(blindedHashes)
		}

		n, err := s.confirmChunk(blindedHashes[start:end], upd)
		updated += n
		if err != nil {
			return updated, err
		}
	}

	s.log.Debug("Confirmed proofs in badger store",
		slog.String("batchID", upd.BatchID),
		slog.Int("updated", updated))
	return updated, nil
}

func (s *BadgerStore) confirmChunk(blindedHashes []string, upd interfaces.BatchUpdate) (int, error) {
	updated := 0
	err := s.db.Update(func(tx *badger.Txn) error {
		updated = 0
		for _, blinded := range blindedHashes {
			key := makePrefix(codeProof, blinded)
			var rec proofRecord
			err := retrieve(key, &rec)(tx)
			if errors.Is(err, interfaces.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Proof.State != interfaces.StatePendingBatch {
				continue
			}

			applyBatchUpdate(rec.Proof, upd)
			if err := update(key, &rec)(tx); err != nil {
				return err
			}
			if err := tx.Delete(pendingKey(rec.Seq)); err != nil {
				return fmt.Errorf("could not clear pending entry: %w", err)
			}
			updated++
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) && len(blindedHashes) > 1 {
		half := len(blindedHashes) / 2
		s.log.Debug("Splitting badger confirm transaction", slog.Int("size", len(blindedHashes)))

		first, err := s.confirmChunk(blindedHashes[:half], upd)
		if err != nil {
			return first, err
		}
		second, err := s.confirmChunk(blindedHashes[half:], upd)
		return first + second, err
	}
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *BadgerStore) InsertBatch(_ context.Context, batch *interfaces.Batch) error {
	err := s.db.Update(insert(makePrefix(codeBatch, batch.BatchID), batch))
	if errors.Is(err, interfaces.ErrAlreadyExists) {
		return fmt.Errorf("%w: batch %s", interfaces.ErrAlreadyExists, batch.BatchID)
	}
	return err
}

func (s *BadgerStore) FindBatch(_ context.Context, batchID string) (*interfaces.Batch, error) {
	var batch interfaces.Batch
	if err := s.db.View(retrieve(makePrefix(codeBatch, batchID), &batch)); err != nil {
		return nil, err
	}
	return &batch, nil
}

// badgerLogger routes badger's internal logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
