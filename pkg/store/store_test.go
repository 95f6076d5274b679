package store

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/pkg/settlement"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, time.Millisecond, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testEnvelope(orderID string) settlement.WireEnvelope {
	return settlement.WireEnvelope{
		OrderID: orderID,
		Settlement: settlement.WireSettlement{
			OrderID:            "0x2222222222222222222222222222222222222222222222222222222222222222",
			PoolID:             "0x3333333333333333333333333333333333333333333333333333333333333333",
			Trader:             "0xAA00000000000000000000000000000000000000",
			Delta0:             "-1500000000000000000",
			Delta1:             "3000000000000000000000",
			SubmittedAt:        1700000000,
			EnclaveMeasurement: "0x1111111111111111111111111111111111111111111111111111111111111111",
		},
		Attestation: settlement.WireAttestation{
			Signature:   "0x00",
			Digest:      "0x4444444444444444444444444444444444444444444444444444444444444444",
			Measurement: "0x1111111111111111111111111111111111111111111111111111111111111111",
		},
	}
}

func testVerified(orderID string) Verified {
	delta0, _ := new(big.Int).SetString("-1500000000000000000", 10)
	delta1, _ := new(big.Int).SetString("3000000000000000000000", 10)
	return Verified{
		ClientOrderID:     orderID,
		SettlementOrderID: common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"),
		PoolID:            common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333"),
		Trader:            common.HexToAddress("0xAA00000000000000000000000000000000000000"),
		Delta0:            delta0,
		Delta1:            delta1,
		SubmittedAt:       1700000000,
		Signer:            common.HexToAddress("0xBB00000000000000000000000000000000000000"),
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	entry := s.Upsert(testEnvelope("order-1"), testVerified("order-1"))
	if entry.Status != StatusVerified {
		t.Errorf("status: got %s, want %s", entry.Status, StatusVerified)
	}

	got, ok := s.Get("order-1")
	if !ok {
		t.Fatal("entry not found")
	}
	if got.Verified.Delta0.String() != "-1500000000000000000" {
		t.Errorf("delta0: got %s", got.Verified.Delta0.String())
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("lookup of unknown id succeeded")
	}
}

// TestPersistReload proves big integer deltas survive a write/reload cycle
// exactly, including values far beyond float64 precision.
func TestPersistReload(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	s.Upsert(testEnvelope("order-1"), testVerified("order-1"))
	s.MarkSubmitted("order-1", "0xabc123")
	s.Upsert(testEnvelope("order-2"), testVerified("order-2"))
	s.MarkFailed("order-2", "rpc timeout")
	s.Flush()
	s.Close()

	reloaded := openTestStore(t, dir)

	submitted, ok := reloaded.Get("order-1")
	if !ok {
		t.Fatal("order-1 lost on reload")
	}
	if submitted.Status != StatusSubmitted || submitted.TxHash != "0xabc123" {
		t.Errorf("order-1: got status %s tx %q", submitted.Status, submitted.TxHash)
	}
	if submitted.Verified.Delta1.String() != "3000000000000000000000" {
		t.Errorf("delta1 corrupted on reload: %s", submitted.Verified.Delta1.String())
	}

	failed, ok := reloaded.Get("order-2")
	if !ok {
		t.Fatal("order-2 lost on reload")
	}
	if failed.Status != StatusFailed || failed.Error != "rpc timeout" {
		t.Errorf("order-2: got status %s error %q", failed.Status, failed.Error)
	}
}

func TestMissingArtifactIsFirstRun(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if len(s.ListPending()) != 0 {
		t.Error("fresh store not empty")
	}
}

func TestCorruptArtifactStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "settlements.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}

	s := openTestStore(t, dir)
	if len(s.ListPending()) != 0 {
		t.Error("corrupt artifact produced entries")
	}

	// The store must still be writable afterwards
	s.Upsert(testEnvelope("order-1"), testVerified("order-1"))
	if _, ok := s.Get("order-1"); !ok {
		t.Error("store unusable after corrupt load")
	}
}

// TestSubmittedNeverRegresses: a stale retry cycle reporting failure must not
// undo a confirmed delivery.
func TestSubmittedNeverRegresses(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	s.Upsert(testEnvelope("order-1"), testVerified("order-1"))
	s.MarkSubmitted("order-1", "0xabc123")
	s.MarkFailed("order-1", "stale failure")

	got, _ := s.Get("order-1")
	if got.Status != StatusSubmitted {
		t.Errorf("status regressed to %s", got.Status)
	}
	if got.TxHash != "0xabc123" {
		t.Errorf("tx hash lost: %q", got.TxHash)
	}
	if got.Error != "" {
		t.Errorf("error recorded on submitted entry: %q", got.Error)
	}
}

func TestListPendingExcludesSubmitted(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	s.Upsert(testEnvelope("a"), testVerified("a"))
	s.Upsert(testEnvelope("b"), testVerified("b"))
	s.Upsert(testEnvelope("c"), testVerified("c"))
	s.MarkSubmitted("b", "0x1")
	s.MarkFailed("c", "boom")

	pending := s.ListPending()
	if len(pending) != 2 {
		t.Fatalf("pending count: got %d, want 2", len(pending))
	}
	for _, entry := range pending {
		if entry.ClientOrderID == "b" {
			t.Error("submitted entry listed as pending")
		}
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	s.Upsert(testEnvelope("a"), testVerified("a"))
	s.Upsert(testEnvelope("b"), testVerified("b"))
	s.MarkSubmitted("b", "0x1")

	stats := s.Stats()
	if stats[StatusVerified] != 1 || stats[StatusSubmitted] != 1 || stats[StatusFailed] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

// TestDebounceCoalesces checks rapid mutations end up in one artifact write:
// after Flush the file reflects the final state.
func TestDebounceCoalesces(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 50*time.Millisecond, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 20; i++ {
		s.Upsert(testEnvelope("order-1"), testVerified("order-1"))
	}
	s.MarkFailed("order-1", "last word")
	s.Flush()

	raw, err := os.ReadFile(filepath.Join(dir, "settlements.json"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("artifact empty after flush")
	}

	reloaded := openTestStore(t, dir)
	got, ok := reloaded.Get("order-1")
	if !ok {
		t.Fatal("entry missing after flush")
	}
	if got.Status != StatusFailed || got.Error != "last word" {
		t.Errorf("artifact does not reflect final state: %s %q", got.Status, got.Error)
	}
}
