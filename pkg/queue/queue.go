// Package queue holds the bounded order queue and its lifecycle state
// machine: queued -> processing -> settled | failed.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/pkg/settlement"
)

// ErrCapacityExceeded rejects admission once the queue holds its configured
// maximum. Callers translate this to a 503 so clients back off.
var ErrCapacityExceeded = errors.New("order queue at capacity")

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
)

// Item tracks one order through its lifecycle. Listeners receive value
// copies, never the stored pointer.
type Item struct {
	Order      settlement.EncryptedOrder `json:"order"`
	Status     Status                    `json:"status"`
	Settlement *settlement.WireEnvelope  `json:"settlement,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Listener observes status transitions. Invoked synchronously under the queue
// lock, in registration order, exactly once per transition, with a snapshot of
// the item. Listeners must not call back into the queue.
type Listener func(Item)

// Queue is a bounded, keyed order collection. All mutation happens through
// its methods; the mutex is the only synchronization the maps need.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*Item
	listeners []Listener
	log       *zap.SugaredLogger
}

func New(capacity int, log *zap.SugaredLogger) *Queue {
	return &Queue{
		capacity: capacity,
		items:    make(map[string]*Item),
		log:      log,
	}
}

// Enqueue admits an order: assigns a fresh order id and receive timestamp,
// inserts it as queued and notifies listeners. Fails with ErrCapacityExceeded
// when the queue is full.
func (q *Queue) Enqueue(order settlement.EncryptedOrder) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return Item{}, ErrCapacityExceeded
	}

	order.OrderID = uuid.NewString()
	order.ReceivedAt = time.Now().UnixMilli()

	item := &Item{Order: order, Status: StatusQueued}
	q.items[order.OrderID] = item
	q.notify(*item)
	return *item, nil
}

// MarkProcessing moves a queued order to processing. Unknown ids and items
// already in a terminal state are ignored; the pipeline may race with
// external cleanup and must never panic on a missing id.
func (q *Queue) MarkProcessing(orderID string) {
	q.transition(orderID, StatusProcessing, func(item *Item) {})
}

// MarkSettled finishes an order with its settlement envelope. Terminal.
func (q *Queue) MarkSettled(orderID string, envelope *settlement.WireEnvelope) {
	q.transition(orderID, StatusSettled, func(item *Item) {
		item.Settlement = envelope
	})
}

// MarkFailed finishes an order with an error message. Terminal.
func (q *Queue) MarkFailed(orderID string, errMsg string) {
	q.transition(orderID, StatusFailed, func(item *Item) {
		item.Error = errMsg
	})
}

func (q *Queue) transition(orderID string, next Status, apply func(*Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[orderID]
	if !ok {
		return
	}
	if item.Status == StatusSettled || item.Status == StatusFailed {
		// Terminal states never transition out.
		return
	}
	if item.Status == next {
		return
	}
	item.Status = next
	apply(item)
	q.notify(*item)
}

// Get returns a snapshot of an item.
func (q *Queue) Get(orderID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[orderID]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Size returns the number of tracked orders, terminal ones included.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats counts items per status for capacity and health reporting.
func (q *Queue) Stats() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	summary := map[Status]int{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusSettled:    0,
		StatusFailed:     0,
	}
	for _, item := range q.items {
		summary[item.Status]++
	}
	return summary
}

// OnChange registers a listener for status transitions.
func (q *Queue) OnChange(listener Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, listener)
}

// notify runs under the queue lock so transitions for one key reach listeners
// in order. A panicking listener is isolated and logged; it cannot corrupt
// queue state or starve later listeners.
func (q *Queue) notify(item Item) {
	for _, listener := range q.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Errorw("queue listener panicked", "order_id", item.Order.OrderID, "panic", r)
				}
			}()
			listener(item)
		}()
	}
}
