// Package api exposes the order-processing service over HTTP: order intake,
// status lookup, health, queue metrics and a WebSocket status stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/params"
	"github.com/eigendark/offchain/pkg/compute"
	"github.com/eigendark/offchain/pkg/queue"
)

// Server handles REST and WebSocket connections for the compute service.
type Server struct {
	cfg    *params.Compute
	svc    *compute.Service
	queue  *queue.Queue
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(cfg *params.Compute, svc *compute.Service, q *queue.Queue, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		queue:  q,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}

	// Status updates flow to subscribed WebSocket clients. The hub send is
	// non-blocking, so a slow client cannot stall the queue.
	q.OnChange(func(item queue.Item) {
		s.hub.BroadcastStatus(StatusUpdate{
			Type:      "order_status",
			OrderID:   item.Order.OrderID,
			Status:    string(item.Status),
			Error:     item.Error,
			Timestamp: time.Now().UnixMilli(),
		})
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.withRequestID, s.withRequestLog)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/orders", s.requireOrderAuth(s.handleSubmitOrder)).Methods("POST")
	s.router.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the routed handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the WebSocket hub and serves HTTP until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Api-Key", "X-Request-Id"},
	})

	s.log.Infow("compute server starting", "addr", addr, "measurement", s.cfg.Measurement)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Middleware
// ==============================

type requestIDKey struct{}

func withRequestIDValue(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
}

func requestIDValue(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, withRequestIDValue(r, reqID))
	})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Infow("request completed",
			"req_id", requestIDValue(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) requireOrderAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OrderAPIKey != "" && r.Header.Get("X-Api-Key") != s.cfg.OrderAPIKey {
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Measurement:   s.cfg.Measurement,
		Hook:          s.cfg.HookAddress,
		PendingOrders: s.queue.Size(),
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, QueueMetrics{
		Pending: s.queue.Size(),
		Stats:   s.queue.Stats(),
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req compute.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if verr := compute.ValidateOrder(&req); verr != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": verr})
		return
	}

	item, err := s.svc.SubmitOrder(&req)
	if err != nil {
		if errors.Is(err, queue.ErrCapacityExceeded) {
			s.log.Warnw("order queue at capacity", "req_id", requestIDValue(r))
			respondError(w, http.StatusServiceUnavailable, "order_queue_full")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitOrderResponse{
		OrderID: item.Order.OrderID,
		Status:  string(item.Status),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	item, ok := s.queue.Get(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found")
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// ==============================
// Response helpers
// ==============================

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Println("failed to encode response:", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
