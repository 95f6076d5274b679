// Package storage keeps the gateway's order audit trail: an append-only
// newline-delimited JSON log for offline inspection plus a Pebble index keyed
// by order id for admin lookups. Both writes are best-effort; an audit
// failure is logged and never blocks the request that produced it.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const auditLogName = "orders.log"

// key schema: audit:<orderId> -> AuditRecord JSON
const prefixAudit = "audit:"

func auditKey(orderID string) []byte {
	return []byte(prefixAudit + orderID)
}

// AuditRecord is one accepted order submission as received at the edge.
type AuditRecord struct {
	OrderID    string          `json:"orderId"`
	ReceivedAt int64           `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// AuditStore appends to orders.log and indexes records in Pebble.
type AuditStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	log *zap.SugaredLogger
	f   *os.File
}

func OpenAudit(dir string, log *zap.SugaredLogger) (*AuditStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	db, err := pebble.Open(filepath.Join(dir, "audit"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open audit index: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, auditLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &AuditStore{db: db, log: log, f: f}, nil
}

// Record stores one accepted order submission. Best-effort: failures are
// logged, the caller never sees them.
func (a *AuditStore) Record(orderID string, payload json.RawMessage) {
	record := AuditRecord{
		OrderID:    orderID,
		ReceivedAt: time.Now().UnixMilli(),
		Payload:    payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		a.log.Warnw("failed to encode audit record", "order_id", orderID, "err", err)
		return
	}

	a.mu.Lock()
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		a.log.Warnw("failed to append order audit log", "order_id", orderID, "err", err)
	}
	a.mu.Unlock()

	if err := a.db.Set(auditKey(orderID), line, pebble.Sync); err != nil {
		a.log.Warnw("failed to index audit record", "order_id", orderID, "err", err)
	}
}

// Get looks an audit record up by order id.
func (a *AuditStore) Get(orderID string) (*AuditRecord, bool) {
	val, closer, err := a.db.Get(auditKey(orderID))
	if err != nil {
		if err != pebble.ErrNotFound {
			a.log.Warnw("audit index read failed", "order_id", orderID, "err", err)
		}
		return nil, false
	}
	defer closer.Close()

	var record AuditRecord
	if err := json.Unmarshal(val, &record); err != nil {
		a.log.Warnw("corrupt audit record", "order_id", orderID, "err", err)
		return nil, false
	}
	return &record, true
}

func (a *AuditStore) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ferr := a.f.Close()
	if err := a.db.Close(); err != nil {
		return err
	}
	return ferr
}
