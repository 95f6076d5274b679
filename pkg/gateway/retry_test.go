package gateway

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/pkg/settlement"
	"github.com/eigendark/offchain/pkg/store"
	"github.com/eigendark/offchain/pkg/util"
)

// fakeSubmitter records submissions and fails on configured order ids.
type fakeSubmitter struct {
	mu        sync.Mutex
	ready     bool
	failFor   map[string]bool
	submitted []string
	block     chan struct{} // non-nil: Submit waits until closed
}

func (f *fakeSubmitter) Ready() bool { return f.ready }

func (f *fakeSubmitter) Submit(ctx context.Context, env settlement.WireEnvelope) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[env.OrderID] {
		return "", errors.New("rpc unreachable")
	}
	f.submitted = append(f.submitted, env.OrderID)
	return "0xtx-" + env.OrderID, nil
}

func (f *fakeSubmitter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func retryTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), time.Millisecond, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedEntry(s *store.Store, orderID string) {
	env := settlement.WireEnvelope{
		OrderID: orderID,
		Settlement: settlement.WireSettlement{
			Trader: "0xAA00000000000000000000000000000000000000",
			Delta0: "-100",
			Delta1: "200",
		},
	}
	s.Upsert(env, store.Verified{
		ClientOrderID: orderID,
		Trader:        common.HexToAddress("0xAA00000000000000000000000000000000000000"),
		Delta0:        big.NewInt(-100),
		Delta1:        big.NewInt(200),
	})
}

func TestRunCycleDeliversPending(t *testing.T) {
	st := retryTestStore(t)
	seedEntry(st, "a")
	seedEntry(st, "b")

	sub := &fakeSubmitter{ready: true}
	w := NewRetryWorker(st, sub, 30*time.Second, time.Second, zap.NewNop().Sugar())

	summary := w.RunCycle(context.Background())
	if summary.Attempted != 2 || summary.Submitted != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	for _, id := range []string{"a", "b"} {
		entry, _ := st.Get(id)
		if entry.Status != store.StatusSubmitted {
			t.Errorf("%s: status %s, want %s", id, entry.Status, store.StatusSubmitted)
		}
		if entry.TxHash != "0xtx-"+id {
			t.Errorf("%s: tx hash %q", id, entry.TxHash)
		}
	}
}

// TestRunCyclePerEntryIsolation: one failing settlement must not stop the rest
// of the cycle.
func TestRunCyclePerEntryIsolation(t *testing.T) {
	st := retryTestStore(t)
	seedEntry(st, "bad")
	seedEntry(st, "good")

	sub := &fakeSubmitter{ready: true, failFor: map[string]bool{"bad": true}}
	w := NewRetryWorker(st, sub, 30*time.Second, time.Second, zap.NewNop().Sugar())

	summary := w.RunCycle(context.Background())
	if summary.Attempted != 2 || summary.Submitted != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	bad, _ := st.Get("bad")
	if bad.Status != store.StatusFailed || bad.Error == "" {
		t.Errorf("bad entry: status %s error %q", bad.Status, bad.Error)
	}
	good, _ := st.Get("good")
	if good.Status != store.StatusSubmitted {
		t.Errorf("good entry: status %s", good.Status)
	}
}

// TestRunCycleAttemptSpacing: entries attempted within the retry interval are
// skipped until the interval elapses.
func TestRunCycleAttemptSpacing(t *testing.T) {
	st := retryTestStore(t)
	clock := util.NewFakeClock(time.Unix(1700000000, 0))
	st.WithClock(clock)
	seedEntry(st, "a")

	sub := &fakeSubmitter{ready: true, failFor: map[string]bool{"a": true}}
	w := NewRetryWorker(st, sub, 30*time.Second, time.Second, zap.NewNop().Sugar()).WithClock(clock)

	// First cycle attempts and fails, stamping LastAttemptAt
	if summary := w.RunCycle(context.Background()); summary.Attempted != 1 {
		t.Fatalf("first cycle: %+v", summary)
	}

	// Immediately after, the entry is not yet due
	if summary := w.RunCycle(context.Background()); summary.Attempted != 0 {
		t.Fatalf("entry retried inside the interval: %+v", summary)
	}

	clock.Advance(31 * time.Second)
	sub.failFor = nil
	if summary := w.RunCycle(context.Background()); summary.Attempted != 1 || summary.Submitted != 1 {
		t.Fatalf("entry not retried after the interval: %+v", summary)
	}
}

func TestRunCycleSkipsWithoutSubmitter(t *testing.T) {
	st := retryTestStore(t)
	seedEntry(st, "a")

	notReady := &fakeSubmitter{ready: false}
	w := NewRetryWorker(st, notReady, 30*time.Second, time.Second, zap.NewNop().Sugar())
	summary := w.RunCycle(context.Background())
	if summary.Attempted != 0 {
		t.Fatalf("cycle ran without a ready submitter: %+v", summary)
	}
	if summary.Skipped != SkipUnconfigured {
		t.Fatalf("skip reason %q, want %q", summary.Skipped, SkipUnconfigured)
	}

	entry, _ := st.Get("a")
	if entry.Status != store.StatusVerified {
		t.Errorf("entry mutated without a submitter: %s", entry.Status)
	}
}

// TestRunCycleBusyGuard: overlapping cycles are rejected, the second reports
// itself skipped immediately.
func TestRunCycleBusyGuard(t *testing.T) {
	st := retryTestStore(t)
	seedEntry(st, "a")

	gate := make(chan struct{})
	sub := &fakeSubmitter{ready: true, block: gate}
	w := NewRetryWorker(st, sub, 30*time.Second, 10*time.Second, zap.NewNop().Sugar())

	done := make(chan Summary, 1)
	go func() { done <- w.RunCycle(context.Background()) }()

	// Wait until the first cycle is inside Submit
	deadline := time.After(2 * time.Second)
	for {
		w.mu.Lock()
		busy := w.busy
		w.mu.Unlock()
		if busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if summary := w.RunCycle(context.Background()); summary.Attempted != 0 || summary.Skipped != SkipBusy {
		t.Fatalf("concurrent cycle ran: %+v", summary)
	}

	close(gate)
	first := <-done
	if first.Submitted != 1 || first.Skipped != "" {
		t.Fatalf("first cycle summary: %+v", first)
	}
}

// TestRunZeroIntervalDisablesWorker: a zero interval is an opt-out, Run must
// return without starting a timer and manual cycles must still deliver.
func TestRunZeroIntervalDisablesWorker(t *testing.T) {
	st := retryTestStore(t)
	seedEntry(st, "a")

	sub := &fakeSubmitter{ready: true}
	w := NewRetryWorker(st, sub, 0, time.Second, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return with a zero interval")
	}

	if summary := w.RunCycle(context.Background()); summary.Submitted != 1 {
		t.Fatalf("manual cycle with disabled timer: %+v", summary)
	}
}
