package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// ReapResult summarises one reaper pass.
type ReapResult struct {
	Recovered int `json:"recovered"`
	Requeued  int `json:"requeued"`
	Merged    int `json:"merged"`
	Alerted   int `json:"alerted"`
	Deferred  int `json:"deferred"`
}

// StaleClaimReason is recorded on entries recovered from a dead tick.
const StaleClaimReason = "stale_processing: claim expired before the entry was retired"

// Reaper decides what happens to entries the processor left in error:
// back in line with backoff, or an operator alert once retries run out.
// It also turns claims older than staleAfter into errors so they follow
// the same path.
type Reaper struct {
	store      Store
	alerter    notify.Alerter
	logger     *logging.Logger
	maxRetries int
	baseDelay  time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewReaper(store Store, alerter notify.Alerter, logger *logging.Logger) *Reaper {
	if alerter == nil {
		alerter = notify.NopAlerter{}
	}
	return &Reaper{
		store:      store,
		alerter:    alerter,
		logger:     logging.OrDefault(logger).Component("queue_reaper"),
		maxRetries: 3,
		baseDelay:  time.Minute,
		staleAfter: 10 * time.Minute,
		batchSize:  50,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reaper) WithMaxRetries(n int) *Reaper {
	if n >= 0 {
		r.maxRetries = n
	}
	return r
}

func (r *Reaper) WithBaseDelay(d time.Duration) *Reaper {
	if d > 0 {
		r.baseDelay = d
	}
	return r
}

// WithStaleAfter sets how long a claim may stay processing. Keep it well
// above the task timeout so live ticks are never interrupted.
func (r *Reaper) WithStaleAfter(d time.Duration) *Reaper {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

func (r *Reaper) WithBatchSize(n int) *Reaper {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Reaper) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	if r.store == nil {
		return res, nil
	}
	now := r.now()
	if err := r.recoverStale(ctx, now, &res); err != nil {
		return res, err
	}
	entries, err := r.store.ListErrored(ctx, r.batchSize)
	if err != nil {
		return res, fmt.Errorf("queue: reap: %w", err)
	}
	for _, e := range entries {
		if e.RetryCount >= r.maxRetries {
			if err := r.alerter.Alert(ctx, notify.Alert{
				Stage:          notify.StageQueueExhausted,
				ConversationID: e.ConversationID.String(),
				EntryID:        e.ID.String(),
				Detail:         fmt.Sprintf("gave up after %d retries: %s", e.RetryCount, e.LastError),
			}); err != nil {
				r.logger.Error("queue alert failed", "entry_id", e.ID, "conversation_id", e.ConversationID, "error", err)
				continue
			}
			if err := r.store.MarkAlerted(ctx, e.ID, now); err != nil {
				r.logger.Error("mark alerted failed", "entry_id", e.ID, "error", err)
				continue
			}
			res.Alerted++
			continue
		}
		if e.ProcessedAt != nil && now.Before(e.ProcessedAt.Add(r.nextDelay(e.RetryCount))) {
			res.Deferred++
			continue
		}
		target, err := r.store.Requeue(ctx, e.ID, now)
		if err != nil {
			if errors.Is(err, ErrNotClaimable) {
				// The conversation has an entry in flight; try again next pass.
				res.Deferred++
				continue
			}
			r.logger.Error("requeue failed", "entry_id", e.ID, "conversation_id", e.ConversationID, "stage", "reap", "error", err)
			continue
		}
		if target != e.ID {
			res.Merged++
		} else {
			res.Requeued++
		}
		r.logger.Info("queue entry requeued",
			"entry_id", e.ID,
			"target_id", target,
			"conversation_id", e.ConversationID,
			"retry_count", e.RetryCount+1,
		)
	}
	return res, nil
}

func (r *Reaper) recoverStale(ctx context.Context, now time.Time, res *ReapResult) error {
	stale, err := r.store.ListStale(ctx, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return fmt.Errorf("queue: reap: list stale: %w", err)
	}
	for _, e := range stale {
		// Everything in the entry, late appends included, goes back through
		// the retry path. processed_at is set a full delay back so the first
		// retry is not deferred again.
		err := r.store.Finalize(ctx, e.ID, Outcome{
			Status:    StatusError,
			Consumed:  ConsumeAll,
			LastError: StaleClaimReason,
			At:        now.Add(-r.nextDelay(e.RetryCount)),
		})
		if err != nil {
			r.logger.Error("stale claim not recovered", "entry_id", e.ID, "conversation_id", e.ConversationID, "stage", "reap", "error", err)
			continue
		}
		res.Recovered++
		r.logger.Warn("stale claim recovered",
			"entry_id", e.ID,
			"conversation_id", e.ConversationID,
			"claimed_at", e.ClaimedAt,
		)
	}
	return nil
}

func (r *Reaper) nextDelay(attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	delay := r.baseDelay * time.Duration(1<<attempts)
	if delay > 24*time.Hour {
		delay = 24 * time.Hour
	}
	return delay
}
