// Package store tracks verified settlements through their delivery lifecycle
// and persists the whole store as one JSON artifact, coalescing bursts of
// mutations into a single write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/pkg/settlement"
	"github.com/eigendark/offchain/pkg/util"
)

const artifactName = "settlements.json"

type Status string

const (
	StatusVerified  Status = "verified"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// Verified is the decoded, signature-checked view of a settlement.
type Verified struct {
	ClientOrderID     string
	SettlementOrderID common.Hash
	PoolID            common.Hash
	Trader            common.Address
	Delta0            *big.Int
	Delta1            *big.Int
	SubmittedAt       uint64
	Signer            common.Address
}

// StoredSettlement is one tracked entry. Status verified -> submitted
// (terminal) or failed (retryable); submitted never regresses.
type StoredSettlement struct {
	ClientOrderID string
	Payload       settlement.WireEnvelope
	Verified      Verified
	Status        Status
	LastAttemptAt int64 // unix ms, 0 = never attempted
	TxHash        string
	Error         string
}

// Serialized forms: 128-bit integers travel as base-10 strings in the
// artifact so reload is exact.

type verifiedJSON struct {
	ClientOrderID     string `json:"clientOrderId"`
	SettlementOrderID string `json:"settlementOrderId"`
	PoolID            string `json:"poolId"`
	Trader            string `json:"trader"`
	Delta0            string `json:"delta0"`
	Delta1            string `json:"delta1"`
	SubmittedAt       uint64 `json:"submittedAt"`
	Signer            string `json:"signer"`
}

type storedJSON struct {
	ClientOrderID string                  `json:"clientOrderId"`
	Payload       settlement.WireEnvelope `json:"payload"`
	Verified      verifiedJSON            `json:"verified"`
	Status        Status                  `json:"status"`
	LastAttemptAt int64                   `json:"lastAttemptAt,omitempty"`
	TxHash        string                  `json:"txHash,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// Store owns the settlement map and the persisted artifact. The artifact is
// written only by the flusher goroutine, so writes are serialized.
type Store struct {
	mu      sync.Mutex
	entries map[string]*StoredSettlement
	dirty   bool

	path     string
	debounce time.Duration
	clock    util.Clock
	log      *zap.SugaredLogger

	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closing sync.Once
}

// Open loads the artifact from dir (a missing file is a first run, a corrupt
// file is logged and treated as empty) and starts the write coalescer.
func Open(dir string, debounce time.Duration, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &Store{
		entries:  make(map[string]*StoredSettlement),
		path:     filepath.Join(dir, artifactName),
		debounce: debounce,
		clock:    util.RealClock{},
		log:      log,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.load()

	s.wg.Add(1)
	go s.flusher()
	return s, nil
}

// WithClock swaps the attempt-timestamp source for tests.
func (s *Store) WithClock(clock util.Clock) *Store {
	s.clock = clock
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warnw("failed to load settlement store", "path", s.path, "err", err)
		}
		return
	}

	var parsed []storedJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Best-effort recovery: a corrupt artifact must not keep the
		// service from starting.
		s.log.Warnw("corrupt settlement store artifact; starting empty", "path", s.path, "err", err)
		return
	}

	for _, entry := range parsed {
		decoded, err := deserialize(entry)
		if err != nil {
			s.log.Warnw("skipping unreadable settlement entry", "client_order_id", entry.ClientOrderID, "err", err)
			continue
		}
		s.entries[decoded.ClientOrderID] = decoded
	}
	s.log.Infow("settlement store loaded", "entries", len(s.entries), "path", s.path)
}

// Upsert inserts or overwrites an entry keyed by the client order id, status
// verified, and schedules a persist.
func (s *Store) Upsert(payload settlement.WireEnvelope, verified Verified) StoredSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &StoredSettlement{
		ClientOrderID: payload.OrderID,
		Payload:       payload,
		Verified:      verified,
		Status:        StatusVerified,
	}
	s.entries[entry.ClientOrderID] = entry
	s.markDirtyLocked()
	return *entry
}

// Get returns a snapshot of an entry.
func (s *Store) Get(clientOrderID string) (StoredSettlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[clientOrderID]
	if !ok {
		return StoredSettlement{}, false
	}
	return *entry, true
}

// ListPending returns every entry not yet confirmed delivered.
func (s *Store) ListPending() []StoredSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]StoredSettlement, 0)
	for _, entry := range s.entries {
		if entry.Status != StatusSubmitted {
			pending = append(pending, *entry)
		}
	}
	return pending
}

// MarkSubmitted records successful delivery: terminal, clears the error.
func (s *Store) MarkSubmitted(clientOrderID, txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[clientOrderID]
	if !ok {
		return
	}
	entry.Status = StatusSubmitted
	entry.TxHash = txHash
	entry.Error = ""
	entry.LastAttemptAt = s.clock.Now().UnixMilli()
	s.markDirtyLocked()
}

// MarkFailed records a failed delivery attempt. Submitted entries never
// regress; a stale retry cycle cannot undo a confirmed delivery.
func (s *Store) MarkFailed(clientOrderID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[clientOrderID]
	if !ok || entry.Status == StatusSubmitted {
		return
	}
	entry.Status = StatusFailed
	entry.Error = errMsg
	entry.LastAttemptAt = s.clock.Now().UnixMilli()
	s.markDirtyLocked()
}

// Stats counts entries per status.
func (s *Store) Stats() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := map[Status]int{StatusVerified: 0, StatusSubmitted: 0, StatusFailed: 0}
	for _, entry := range s.entries {
		summary[entry.Status]++
	}
	return summary
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// flusher coalesces mutations: the first dirty signal arms the debounce
// window and everything mutated inside it goes out in one write.
func (s *Store) flusher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.kick:
			select {
			case <-time.After(s.debounce):
				s.persist()
			case <-s.done:
				s.persist()
				return
			}
		case <-s.done:
			s.persist()
			return
		}
	}
}

// persist writes the whole-store snapshot. Failures are logged and the
// in-memory state stays authoritative until the next successful write.
func (s *Store) persist() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	serialized := make([]storedJSON, 0, len(s.entries))
	for _, entry := range s.entries {
		serialized = append(serialized, serialize(entry))
	}
	s.mu.Unlock()

	payload, err := json.MarshalIndent(serialized, "", "  ")
	if err != nil {
		s.log.Errorw("failed to serialize settlement store", "err", err)
		return
	}
	if err := os.WriteFile(s.path, payload, 0644); err != nil {
		s.log.Errorw("failed to persist settlement store", "path", s.path, "err", err)
	}
}

// Flush forces an immediate write of any pending dirty state.
func (s *Store) Flush() {
	s.persist()
}

// Close stops the flusher, writing pending state first. Safe to call twice.
func (s *Store) Close() {
	s.closing.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func serialize(entry *StoredSettlement) storedJSON {
	return storedJSON{
		ClientOrderID: entry.ClientOrderID,
		Payload:       entry.Payload,
		Verified: verifiedJSON{
			ClientOrderID:     entry.Verified.ClientOrderID,
			SettlementOrderID: entry.Verified.SettlementOrderID.Hex(),
			PoolID:            entry.Verified.PoolID.Hex(),
			Trader:            entry.Verified.Trader.Hex(),
			Delta0:            entry.Verified.Delta0.String(),
			Delta1:            entry.Verified.Delta1.String(),
			SubmittedAt:       entry.Verified.SubmittedAt,
			Signer:            entry.Verified.Signer.Hex(),
		},
		Status:        entry.Status,
		LastAttemptAt: entry.LastAttemptAt,
		TxHash:        entry.TxHash,
		Error:         entry.Error,
	}
}

func deserialize(entry storedJSON) (*StoredSettlement, error) {
	delta0, ok := new(big.Int).SetString(entry.Verified.Delta0, 10)
	if !ok {
		return nil, fmt.Errorf("invalid delta0 %q", entry.Verified.Delta0)
	}
	delta1, ok := new(big.Int).SetString(entry.Verified.Delta1, 10)
	if !ok {
		return nil, fmt.Errorf("invalid delta1 %q", entry.Verified.Delta1)
	}
	return &StoredSettlement{
		ClientOrderID: entry.ClientOrderID,
		Payload:       entry.Payload,
		Verified: Verified{
			ClientOrderID:     entry.Verified.ClientOrderID,
			SettlementOrderID: common.HexToHash(entry.Verified.SettlementOrderID),
			PoolID:            common.HexToHash(entry.Verified.PoolID),
			Trader:            common.HexToAddress(entry.Verified.Trader),
			Delta0:            delta0,
			Delta1:            delta1,
			SubmittedAt:       entry.Verified.SubmittedAt,
			Signer:            common.HexToAddress(entry.Verified.Signer),
		},
		Status:        entry.Status,
		LastAttemptAt: entry.LastAttemptAt,
		TxHash:        entry.TxHash,
		Error:         entry.Error,
	}, nil
}
