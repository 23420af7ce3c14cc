package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultRetryBase    = 500 * time.Millisecond
	DefaultRetryMax     = 3
	DefaultRetryCapping = 10 * time.Second
)

// RetryingClient retries failed commits with capped exponential backoff.
// ErrLedgerNotConfigured is returned immediately.
type RetryingClient struct {
	next       interfaces.LedgerClient
	base       time.Duration
	maxRetries uint64
	log        *slog.Logger
}

func NewRetryingClient(next interfaces.LedgerClient, base time.Duration, maxRetries uint64, log *slog.Logger) *RetryingClient {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetryingClient{
		next:       next,
		base:       base,
		maxRetries: maxRetries,
		log:        log,
	}
}

func (c *RetryingClient) Commit(ctx context.Context, batchID, merkleRoot string, leafCount int, timestamp string) (*interfaces.LedgerReceipt, error) {
	backoff := retry.NewExponential(c.base)
	backoff = retry.WithMaxRetries(c.maxRetries, retry.WithCappedDuration(DefaultRetryCapping, backoff))

	var receipt *interfaces.LedgerReceipt
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := c.next.Commit(ctx, batchID, merkleRoot, leafCount, timestamp)
		if errors.Is(err, interfaces.ErrLedgerNotConfigured) {
			return err
		}
		if err != nil {
			c.log.Warn("Ledger commit failed",
				slog.String("batchId", batchID),
				slog.Int("attempt", attempt),
				"err", err)
			return retry.RetryableError(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
