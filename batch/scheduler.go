package batch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/ioproof-attestation-backend/attestation"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/merkle"
	"github.com/ruteri/ioproof-attestation-backend/metrics"
	"go.uber.org/atomic"
)

const (
	DefaultInterval      = time.Hour
	DefaultStartupDelay  = 5 * time.Second
	DefaultCommitTimeout = 60 * time.Second
	DefaultMinProofs     = 1
)

// ErrCycleInProgress is returned by RunCycle when another cycle holds the lock.
var ErrCycleInProgress = errors.New("batch cycle already in progress")

// State is the scheduler's position in a cycle.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateCommitting State = "committing"
	StateUpdating   State = "updating"
)

type Config struct {
	Store interfaces.ProofStore

	// Ledger may be nil, in which case batches are never anchored.
	Ledger interfaces.LedgerClient

	Interval      time.Duration
	StartupDelay  time.Duration
	CommitTimeout time.Duration
	MinProofs     int

	// RetainOnCommitFailure keeps proofs pending when the ledger commit
	// fails, so the next cycle retries them. By default they are confirmed
	// without a ledger signature.
	RetainOnCommitFailure bool

	Clock   clock.Clock
	Metrics *metrics.Collector
	Log     *slog.Logger
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	Outcome    string
	BatchID    string
	MerkleRoot string
	LeafCount  int
	Receipt    *interfaces.LedgerReceipt
}

// Scheduler runs batch cycles on a fixed interval.
type Scheduler struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	state   atomic.String
	cycleMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler requires a proof store")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = DefaultStartupDelay
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.MinProofs <= 0 {
		cfg.MinProofs = DefaultMinProofs
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	s := &Scheduler{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Log,
	}
	s.state.Store(string(StateIdle))
	return s, nil
}

// State returns the current cycle phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(state State) {
	s.state.Store(string(state))
}

// Start runs a catch-up cycle after StartupDelay and then one cycle per
// Interval until Stop is called or ctx is done. Cycles run with ctx, so an
// in-flight cycle is not interrupted by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Timers are created before the goroutine starts so that a clock
	// advanced right after Start still fires them.
	startup := s.clock.Timer(s.cfg.StartupDelay)
	ticker := s.clock.Ticker(s.cfg.Interval)

	s.log.Info("Batch scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("minProofs", s.cfg.MinProofs),
		slog.Bool("retainOnCommitFailure", s.cfg.RetainOnCommitFailure))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer startup.Stop()
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-startup.C:
				s.trigger(ctx)
			case <-ticker.C:
				s.trigger(ctx)
			}
		}
	}()
}

// Stop stops the timers and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("Batch scheduler stopped")
}

func (s *Scheduler) trigger(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			s.log.Warn("Skipping batch tick, previous cycle still running")
		case err != nil:
			s.log.Error("Batch cycle failed", "err", err)
		case result.Outcome != metrics.CycleSkipped:
			s.log.Info("Batch cycle complete",
				slog.String("batchId", result.BatchID),
				slog.Int("leaves", result.LeafCount),
				slog.String("outcome", result.Outcome))
		}
	}()
}

// RunCycle runs one batch cycle synchronously. It returns ErrCycleInProgress
// without doing anything if another cycle is running.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !s.cycleMu.TryLock() {
		s.cfg.Metrics.BatchCycle(metrics.CycleBusy)
		return nil, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	defer s.setState(StateIdle)

	result, err := s.runCycle(ctx)
	if err != nil {
		s.cfg.Metrics.BatchCycle(metrics.CycleFailed)
		return nil, err
	}
	s.cfg.Metrics.BatchCycle(result.Outcome)
	return result, nil
}

func (s *Scheduler) runCycle(ctx context.Context) (*CycleResult, error) {
	s.setState(StateCollecting)

	pending, err := s.cfg.Store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proofs: %w", err)
	}
	s.cfg.Metrics.PendingProofs(len(pending))

	if len(pending) < s.cfg.MinProofs {
		s.log.Debug("Not enough pending proofs for a batch",
			slog.Int("pending", len(pending)),
			slog.Int("minProofs", s.cfg.MinProofs))
		return &CycleResult{Outcome: metrics.CycleSkipped}, nil
	}

	now := s.clock.Now()
	batchID, err := NewBatchID(now)
	if err != nil {
		return nil, err
	}

	leaves := make([]string, len(pending))
	for i, p := range pending {
		leaves[i] = p.BlindedHash
	}

	root, paths, err := merkle.Proofs(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to build merkle tree: %w", err)
	}

	s.log.Info("Processing batch",
		slog.String("batchId", batchID),
		slog.Int("leaves", len(leaves)),
		slog.String("merkleRoot", root))

	result := &CycleResult{
		Outcome:    metrics.CycleCommitted,
		BatchID:    batchID,
		MerkleRoot: root,
		LeafCount:  len(leaves),
	}

	s.setState(StateCommitting)
	receipt, commitErr := s.commit(ctx, batchID, root, len(leaves), attestation.FormatTimestamp(now))
	switch {
	case commitErr == nil:
	case errors.Is(commitErr, interfaces.ErrLedgerNotConfigured):
		s.log.Warn("No ledger configured, batch stored locally only", slog.String("batchId", batchID))
		result.Outcome = metrics.CycleUnsigned
	case s.cfg.RetainOnCommitFailure:
		s.log.Error("Ledger commit failed, proofs stay pending",
			slog.String("batchId", batchID),
			"err", commitErr)
		result.Outcome = metrics.CycleRetained
		return result, nil
	default:
		s.log.Error("Ledger commit failed, confirming batch without signature",
			slog.String("batchId", batchID),
			"err", commitErr)
		result.Outcome = metrics.CycleUnsigned
	}
	result.Receipt = receipt

	s.setState(StateUpdating)

	update := interfaces.BatchUpdate{
		BatchID:    batchID,
		MerkleRoot: root,
		Proofs:     make(map[string][]interfaces.MerkleProofStep, len(leaves)),
	}
	for i, leaf := range leaves {
		update.Proofs[leaf] = paths[i]
	}

	record := &interfaces.Batch{
		BatchID:    batchID,
		MerkleRoot: root,
		LeafCount:  len(leaves),
		Leaves:     leaves,
		CreatedAt:  now.UTC(),
	}
	if receipt != nil {
		update.LedgerSignature = receipt.Signature
		update.LedgerSlot = receipt.Slot
		record.LedgerSignature = receipt.Signature
		record.LedgerSlot = receipt.Slot
		record.LedgerBlockTime = receipt.BlockTime
	}

	// The batch record goes first so that a confirmed proof always points
	// at a stored batch. Proofs left pending by a failed update are picked up
	// by the next cycle.
	if err := s.cfg.Store.InsertBatch(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record batch %s: %w", batchID, err)
	}

	updated, err := s.cfg.Store.UpdateBatch(ctx, leaves, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update proofs of batch %s: %w", batchID, err)
	}
	if updated != len(leaves) {
		s.log.Warn("Some proofs were no longer pending",
			slog.String("batchId", batchID),
			slog.Int("expected", len(leaves)),
			slog.Int("updated", updated))
	}

	s.cfg.Metrics.BatchCommitted(len(leaves))
	return result, nil
}

// commit runs the ledger commit under CommitTimeout. No store lock is held.
func (s *Scheduler) commit(ctx context.Context, batchID, root string, leafCount int, timestamp string) (*interfaces.LedgerReceipt, error) {
	if s.cfg.Ledger == nil {
		return nil, interfaces.ErrLedgerNotConfigured
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()

	start := s.clock.Now()
	receipt, err := s.cfg.Ledger.Commit(commitCtx, batchID, root, leafCount, timestamp)
	s.cfg.Metrics.LedgerCommit(s.clock.Since(start), err)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, errors.New("ledger returned no receipt")
	}

	s.log.Info("Batch anchored",
		slog.String("batchId", batchID),
		slog.String("signature", receipt.Signature),
		slog.Uint64("slot", receipt.Slot))
	return receipt, nil
}

// NewBatchID returns "batch_<unix millis in base 36>_<8 random hex chars>".
func NewBatchID(now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate batch id: %w", err)
	}
	return "batch_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + hex.EncodeToString(buf), nil
}
