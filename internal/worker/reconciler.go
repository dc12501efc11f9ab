package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tourvista/adboard/internal/db"
	"github.com/tourvista/adboard/internal/metrics"
)

// SlotPool is the slice of the slot pool the job drives.
type SlotPool interface {
	ReleaseExpired(ctx context.Context) (int, error)
	CountFree(ctx context.Context) (int, error)
}

// NotificationQueue is the slice of the waiting list the job drains.
type NotificationQueue interface {
	Dequeue(ctx context.Context, batch int) ([]*db.NotificationRequest, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
}

// Config sizes the dispatch phase.
type Config struct {
	DispatchBatchSize int           // max requests pulled per run
	SubBatchSize      int           // concurrent sends per throttled slice
	SubBatchDelay     time.Duration // pause between slices
	SendTimeout       time.Duration // bound on one transport call
}

// RunSummary is the aggregate report of one reconciliation run.
type RunSummary struct {
	Released  int
	FreeSlots int
	Attempted int
	Notified  int
	Elapsed   time.Duration
	Failed    bool
}

// Reconciler performs the two-phase reconciliation run: sweep expired slot
// occupants, then drain the notification queue in throttled sub-batches,
// skipping dispatch entirely when no capacity is free.
type Reconciler struct {
	pool   SlotPool
	queue  NotificationQueue
	sender Sender
	config Config
	logger *zap.Logger
}

// NewReconciler creates the job with defaults for any unset sizing.
func NewReconciler(pool SlotPool, queue NotificationQueue, sender Sender, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.DispatchBatchSize == 0 {
		cfg.DispatchBatchSize = 50
	}
	if cfg.SubBatchSize == 0 {
		cfg.SubBatchSize = 5
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	return &Reconciler{
		pool:   pool,
		queue:  queue,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Run executes one reconciliation cycle. Errors never propagate to a caller:
// an unexpected failure aborts the remainder of this run, is logged, and
// flags the summary; the next scheduled run is unaffected.
func (r *Reconciler) Run(ctx context.Context) (summary RunSummary) {
	start := time.Now()
	defer func() {
		summary.Elapsed = time.Since(start)
		metrics.ObserveReconcileRun(summary.Elapsed, summary.Failed)
		r.logger.Info("reconciliation run finished",
			zap.Int("released", summary.Released),
			zap.Int("free_slots", summary.FreeSlots),
			zap.Int("notified", summary.Notified),
			zap.Duration("elapsed", summary.Elapsed),
			zap.Bool("failed", summary.Failed),
		)
	}()

	// Phase A: sweep. Per-position errors are handled (logged and skipped)
	// inside ReleaseExpired; only a failure to enumerate aborts.
	released, err := r.pool.ReleaseExpired(ctx)
	if err != nil {
		r.logger.Error("sweep failed", zap.Error(err))
		summary.Failed = true
		return summary
	}
	summary.Released = released
	metrics.AddSweepReleases(released)

	// Phase B gate: capacity computed once, descriptive only.
	free, err := r.pool.CountFree(ctx)
	if err != nil {
		r.logger.Error("free-slot count failed", zap.Error(err))
		summary.Failed = true
		return summary
	}
	summary.FreeSlots = free
	metrics.SetFreeSlots(free)
	if free <= 0 {
		return summary
	}

	batch, err := r.queue.Dequeue(ctx, r.config.DispatchBatchSize)
	if err != nil {
		r.logger.Error("dequeue failed", zap.Error(err))
		summary.Failed = true
		return summary
	}
	if len(batch) == 0 {
		return summary
	}
	summary.Attempted = len(batch)

	summary.Notified = r.dispatch(ctx, batch, free)
	return summary
}

// dispatch sends the batch in sub-batches of SubBatchSize with SubBatchDelay
// between them, bounding the outbound rate. Sends inside a sub-batch run
// concurrently and settle independently; a failed recipient stays unnotified
// and is picked up again next run.
func (r *Reconciler) dispatch(ctx context.Context, batch []*db.NotificationRequest, free int) int {
	notified := 0

	for offset := 0; offset < len(batch); offset += r.config.SubBatchSize {
		if offset > 0 {
			if err := sleepCtx(ctx, r.config.SubBatchDelay); err != nil {
				r.logger.Warn("dispatch interrupted between sub-batches", zap.Error(err))
				return notified
			}
		}

		end := offset + r.config.SubBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		notified += r.sendSubBatch(ctx, batch[offset:end], free)
	}

	return notified
}

func (r *Reconciler) sendSubBatch(ctx context.Context, sub []*db.NotificationRequest, free int) int {
	results := make([]error, len(sub))
	done := make(chan int, len(sub))

	for i, req := range sub {
		go func(i int, req *db.NotificationRequest) {
			sendCtx, cancel := context.WithTimeout(ctx, r.config.SendTimeout)
			defer cancel()
			results[i] = r.sender.Send(sendCtx, availabilityEmail(req, free))
			done <- i
		}(i, req)
	}
	for range sub {
		<-done
	}

	notified := 0
	for i, req := range sub {
		if err := results[i]; err != nil {
			metrics.RecordSend("failed")
			r.logger.Warn("notification send failed, will retry next run",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
			continue
		}

		metrics.RecordSend("sent")
		if err := r.queue.MarkDelivered(ctx, req.ID); err != nil {
			// The send went out; a stale delivery mark means at worst one
			// duplicate email next run.
			r.logger.Error("failed to mark request delivered",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
		}
		notified++
	}

	return notified
}

// availabilityEmail builds the per-recipient message. The free count is a
// best-effort snapshot from the start of the dispatch phase. It reserves
// nothing.
func availabilityEmail(req *db.NotificationRequest, free int) Email {
	plural := "slots are"
	if free == 1 {
		plural = "slot is"
	}
	return Email{
		To:      req.Email,
		Subject: "A home-page banner slot is available",
		Body: fmt.Sprintf(
			"Good news! %d banner %s currently free. Slots are first come, first served, so head back to your dashboard to claim one.",
			free, plural,
		),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
