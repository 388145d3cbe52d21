package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/procflow/procflow/backend"
)

// Relay consumes the transactional outbox: it read-locks batches of
// committed events, delivers them to a listener, and confirms the batch.
// Delivery is at-least-once; a crash between delivery and confirmation
// redelivers the batch after the outbox lock lease expires.
type Relay struct {
	reader   backend.OutboxReader
	listener Listener

	batchSize int
	interval  time.Duration

	logger *slog.Logger
	clock  clock.Clock
}

func NewRelay(reader backend.OutboxReader, listener Listener, batchSize int, interval time.Duration, logger *slog.Logger, c clock.Clock) *Relay {
	if batchSize <= 0 {
		batchSize = 50
	}

	if interval <= 0 {
		interval = time.Second
	}

	return &Relay{
		reader:    reader,
		listener:  listener,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		clock:     c,
	}
}

// Run polls the outbox until the context is canceled. Errors are logged
// and do not terminate the loop.
func (r *Relay) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		delivered, err := r.RelayOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			r.logger.ErrorContext(ctx, "error relaying outbox batch", "error", err)
		}

		if delivered {
			// Drain the outbox before sleeping again.
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RelayOnce delivers and confirms at most one batch. It reports whether
// a batch was delivered.
func (r *Relay) RelayOnce(ctx context.Context) (bool, error) {
	batch, err := r.reader.ReadAndLockNextOutboxBatch(ctx, r.batchSize)
	if err != nil {
		return false, err
	}

	if batch == nil || len(batch.Events) == 0 {
		return false, nil
	}

	r.listener.OnEvents(ctx, batch.Events)

	if err := r.reader.ConfirmOutboxBatch(ctx, batch); err != nil {
		return true, err
	}

	return true, nil
}
