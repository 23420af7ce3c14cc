package proofstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ioproof_proofs (
	seq           BIGSERIAL PRIMARY KEY,
	combined_hash TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	response_hash TEXT NOT NULL,
	blinded_hash  TEXT NOT NULL UNIQUE,
	state         TEXT NOT NULL,
	record        JSONB NOT NULL
);
ALTER TABLE ioproof_proofs DROP CONSTRAINT IF EXISTS ioproof_proofs_combined_hash_key;
ALTER TABLE ioproof_proofs ADD COLUMN IF NOT EXISTS user_commitment TEXT;
CREATE INDEX IF NOT EXISTS ioproof_proofs_user_commitment_idx ON ioproof_proofs (user_commitment);
CREATE INDEX IF NOT EXISTS ioproof_proofs_combined_idx ON ioproof_proofs (combined_hash);
CREATE INDEX IF NOT EXISTS ioproof_proofs_request_idx ON ioproof_proofs (request_hash);
CREATE INDEX IF NOT EXISTS ioproof_proofs_response_idx ON ioproof_proofs (response_hash);
CREATE INDEX IF NOT EXISTS ioproof_proofs_pending_idx ON ioproof_proofs (seq) WHERE state = 'pending_batch';

CREATE TABLE IF NOT EXISTS ioproof_batches (
	batch_id   TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const uniqueViolation = "23505"

// PostgresStore is a ProofStore on PostgreSQL. Each proof is kept as a JSONB
// record next to the columns it is looked up by.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgresStore connects to dsn and creates the tables if needed.
func OpenPostgresStore(ctx context.Context, dsn string, log *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not apply schema: %w", err)
	}

	log.Debug("Opened postgres proof store")
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) Insert(ctx context.Context, proof *interfaces.Proof) error {
	record, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("could not encode proof: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ioproof_proofs (combined_hash, request_hash, response_hash, blinded_hash, user_commitment, state, record)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		proof.CombinedHash, proof.RequestHash, proof.ResponseHash, proof.BlindedHash, proof.UserCommitment, string(proof.State), record)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: proof %s", interfaces.ErrAlreadyExists, proof.BlindedHash)
	}
	if err != nil {
		return fmt.Errorf("could not insert proof: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (*interfaces.Proof, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM ioproof_proofs
		 WHERE combined_hash = $1 OR request_hash = $1 OR response_hash = $1 OR blinded_hash = $1 OR user_commitment = $1
		 ORDER BY (combined_hash = $1) DESC, seq ASC
		 LIMIT 1`, hash).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not query proof: %w", err)
	}
	return decodeProof(record)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]*interfaces.Proof, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM ioproof_proofs WHERE state = $1 ORDER BY seq ASC`, string(interfaces.StatePendingBatch))
	if err != nil {
		return nil, fmt.Errorf("could not query pending proofs: %w", err)
	}
	defer rows.Close()

	var pending []*interfaces.Proof
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		p, err := decodeProof(record)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, blindedHashes []string, update interfaces.BatchUpdate) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT seq, record FROM ioproof_proofs
		 WHERE blinded_hash = ANY($1) AND state = $2
		 ORDER BY seq ASC
		 FOR UPDATE`, blindedHashes, string(interfaces.StatePendingBatch))
	if err != nil {
		return 0, fmt.Errorf("could not select pending proofs: %w", err)
	}

	type row struct {
		seq   int64
		proof *interfaces.Proof
	}
	var selected []row
	for rows.Next() {
		var r row
		var record []byte
		if err := rows.Scan(&r.seq, &record); err != nil {
			rows.Close()
			return 0, err
		}
		if r.proof, err = decodeProof(record); err != nil {
			rows.Close()
			return 0, err
		}
		selected = append(selected, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range selected {
		applyBatchUpdate(r.proof, update)
		record, err := json.Marshal(r.proof)
		if err != nil {
			return 0, fmt.Errorf("could not encode proof: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE ioproof_proofs SET state = $1, record = $2 WHERE seq = $3`,
			string(interfaces.StateConfirmed), record, r.seq); err != nil {
			return 0, fmt.Errorf("could not update proof: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("could not commit batch update: %w", err)
	}
	return len(selected), nil
}

func (s *PostgresStore) InsertBatch(ctx context.Context, batch *interfaces.Batch) error {
	record, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("could not encode batch: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ioproof_batches (batch_id, record, created_at) VALUES ($1, $2, $3)`,
		batch.BatchID, record, batch.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: batch %s", interfaces.ErrAlreadyExists, batch.BatchID)
	}
	if err != nil {
		return fmt.Errorf("could not insert batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindBatch(ctx context.Context, batchID string) (*interfaces.Batch, error) {
	var record []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM ioproof_batches WHERE batch_id = $1`, batchID).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not query batch: %w", err)
	}

	var batch interfaces.Batch
	if err := json.Unmarshal(record, &batch); err != nil {
		return nil, fmt.Errorf("could not decode batch: %w", err)
	}
	return &batch, nil
}

func decodeProof(record []byte) (*interfaces.Proof, error) {
	var p interfaces.Proof
	if err := json.Unmarshal(record, &p); err != nil {
		return nil, fmt.Errorf("could not decode proof: %w", err)
	}
	return &p, nil
}
