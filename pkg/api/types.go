package api

// API response types for REST endpoints and WebSocket messages

import "github.com/eigendark/offchain/pkg/queue"

// HealthResponse reports service identity alongside liveness so operators can
// confirm which measurement/hook a deployment attests to.
type HealthResponse struct {
	Status        string `json:"status"`
	Measurement   string `json:"measurement"`
	Hook          string `json:"hook"`
	PendingOrders int    `json:"pendingOrders"`
	Timestamp     int64  `json:"timestamp"`
}

// QueueMetrics is the /metrics body: queue depth plus per-status counts.
type QueueMetrics struct {
	Pending int                  `json:"pending"`
	Stats   map[queue.Status]int `json:"stats"`
}

type SubmitOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// StatusUpdate is broadcast to WebSocket clients on every order transition.
type StatusUpdate struct {
	Type      string `json:"type"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WSSubscribeRequest filters the stream: subscribing to order ids limits
// updates to those orders; with no subscriptions a client receives everything.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	OrderIDs []string `json:"orderIds"`
}
