package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eigendark/offchain/pkg/settlement"
	"github.com/eigendark/offchain/pkg/store"
	"github.com/eigendark/offchain/pkg/util"
)

// SettlementSubmitter abstracts on-chain delivery so cycles are testable
// without an RPC endpoint.
type SettlementSubmitter interface {
	Ready() bool
	Submit(ctx context.Context, env settlement.WireEnvelope) (string, error)
}

// Reasons a cycle can bail out before attempting anything.
const (
	SkipBusy         = "busy"
	SkipUnconfigured = "submitter_unconfigured"
)

// Summary reports one retry cycle. Skipped is set when the cycle did not run
// at all, so /admin/retry callers can tell an idle store from a no-op.
type Summary struct {
	Attempted int    `json:"attempted"`
	Submitted int    `json:"submitted"`
	Failed    int    `json:"failed"`
	Skipped   string `json:"skipped,omitempty"`
}

// RetryWorker periodically redrives pending settlements to the chain. Cycles
// are mutually exclusive: an admin-triggered cycle and the timer cannot
// overlap, and a long cycle simply absorbs the next tick.
type RetryWorker struct {
	store     *store.Store
	submitter SettlementSubmitter
	interval  time.Duration
	timeout   time.Duration
	clock     util.Clock
	log       *zap.SugaredLogger

	mu   sync.Mutex
	busy bool
}

func NewRetryWorker(st *store.Store, sub SettlementSubmitter, interval, timeout time.Duration, log *zap.SugaredLogger) *RetryWorker {
	return &RetryWorker{
		store:     st,
		submitter: sub,
		interval:  interval,
		timeout:   timeout,
		clock:     util.RealClock{},
		log:       log,
	}
}

// WithClock swaps the time source, for tests.
func (w *RetryWorker) WithClock(clock util.Clock) *RetryWorker {
	w.clock = clock
	return w
}

// Run drives cycles from a ticker until ctx is cancelled. A non-positive
// interval disables the timer entirely; settlements then move only through
// the webhook's inline attempt and POST /admin/retry.
func (w *RetryWorker) Run(ctx context.Context) {
	if w.interval <= 0 {
		w.log.Infow("retry worker disabled", "interval", w.interval)
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := w.RunCycle(ctx)
			if summary.Attempted > 0 {
				w.log.Infow("retry cycle done",
					"attempted", summary.Attempted,
					"submitted", summary.Submitted,
					"failed", summary.Failed)
			}
		}
	}
}

// RunCycle attempts delivery of every pending settlement that is due. Entries
// attempted within the retry interval are skipped so a manual trigger cannot
// hammer the chain.
func (w *RetryWorker) RunCycle(ctx context.Context) Summary {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return Summary{Skipped: SkipBusy}
	}
	w.busy = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	if w.submitter == nil || !w.submitter.Ready() {
		return Summary{Skipped: SkipUnconfigured}
	}

	var summary Summary
	now := w.clock.Now().UnixMilli()
	for _, entry := range w.store.ListPending() {
		if entry.LastAttemptAt != 0 && now-entry.LastAttemptAt < w.interval.Milliseconds() {
			continue
		}
		summary.Attempted++

		attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
		txHash, err := w.submitter.Submit(attemptCtx, entry.Payload)
		cancel()

		if err != nil {
			// One bad settlement must not block the rest of the cycle.
			summary.Failed++
			settlementsFailedAttempts.Inc()
			w.store.MarkFailed(entry.ClientOrderID, err.Error())
			w.log.Warnw("settlement delivery failed", "orderId", entry.ClientOrderID, "err", err)
			continue
		}
		summary.Submitted++
		settlementsSubmitted.Inc()
		w.store.MarkSubmitted(entry.ClientOrderID, txHash)
		w.log.Infow("settlement delivered", "orderId", entry.ClientOrderID, "tx", txHash)
	}

	pendingSettlements.Set(float64(len(w.store.ListPending())))
	return summary
}
