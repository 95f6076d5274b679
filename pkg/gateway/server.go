// Package gateway exposes the verification and delivery service: it fronts
// order intake, verifies attested settlements pushed by the compute service,
// persists them, and drives on-chain delivery with retries.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/params"
	"github.com/eigendark/offchain/pkg/attest"
	"github.com/eigendark/offchain/pkg/ratelimit"
	"github.com/eigendark/offchain/pkg/settlement"
	"github.com/eigendark/offchain/pkg/storage"
	"github.com/eigendark/offchain/pkg/store"
)

// Server wires the gateway HTTP surface together.
type Server struct {
	cfg       *params.Gateway
	verifier  *attest.Verifier
	store     *store.Store
	audit     *storage.AuditStore
	submitter SettlementSubmitter
	retry     *RetryWorker
	compute   *resty.Client
	router    *mux.Router

	orderLimiter *ratelimit.Limiter
	adminLimiter *ratelimit.Limiter

	log *zap.SugaredLogger
}

func NewServer(cfg *params.Gateway, verifier *attest.Verifier, st *store.Store, audit *storage.AuditStore, submitter SettlementSubmitter, retry *RetryWorker, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:          cfg,
		verifier:     verifier,
		store:        st,
		audit:        audit,
		submitter:    submitter,
		retry:        retry,
		compute:      resty.New().SetBaseURL(cfg.ComputeURL).SetTimeout(10 * time.Second),
		router:       mux.NewRouter(),
		orderLimiter: ratelimit.New(cfg.OrderRateMax, cfg.OrderRateWindow),
		adminLimiter: ratelimit.New(cfg.AdminRateMax, cfg.AdminRateWindow),
		log:          log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.withRequestID, s.withRequestLog)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/orders", s.withOrderLimit(s.handleProxyOrder)).Methods("POST")
	s.router.HandleFunc("/settlements", s.requireWebhookAuth(s.handleSettlementWebhook)).Methods("POST")
	s.router.HandleFunc("/settlements/{orderId}", s.handleGetSettlement).Methods("GET")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.withAdminAuth)
	admin.HandleFunc("/stats", s.handleAdminStats).Methods("GET")
	admin.HandleFunc("/settlements/pending", s.handleAdminPending).Methods("GET")
	admin.HandleFunc("/retry", s.handleAdminRetry).Methods("POST")
	admin.HandleFunc("/audit/{orderId}", s.handleAdminAudit).Methods("GET")
}

// Handler exposes the routed handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until the listener fails.
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Api-Key", "X-Admin-Key", "X-Request-Id"},
	})

	s.log.Infow("gateway server starting", "addr", addr, "submitter", s.submitter != nil && s.submitter.Ready())
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Middleware
// ==============================

type requestIDKey struct{}

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
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

		s.log.Infow("request completed",
			"req_id", requestIDValue(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// rateKey identifies a caller: API key when presented, source IP otherwise.
func rateKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func adminRateKey(r *http.Request) string {
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		return key
	}
	return rateKey(r)
}

func (s *Server) withOrderLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.orderLimiter.Allow(rateKey(r)) {
			respondError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireWebhookAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookKey != "" && r.Header.Get("X-Api-Key") != s.cfg.WebhookKey {
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) withAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" || r.Header.Get("X-Admin-Key") != s.cfg.AdminAPIKey {
			respondError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		if !s.adminLimiter.Allow(adminRateKey(r)) {
			respondError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
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
// Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "gateway",
		"submitter": s.submitter != nil && s.submitter.Ready(),
		"pending":   len(s.store.ListPending()),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleProxyOrder forwards order submissions to the compute service and
// records a local audit trail of what was accepted.
func (s *Server) handleProxyOrder(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := s.compute.R().
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Request-Id", requestIDValue(r)).
		SetBody([]byte(body))
	if s.cfg.ComputeAPIKey != "" {
		req.SetHeader("X-Api-Key", s.cfg.ComputeAPIKey)
	}

	resp, err := req.Post("/orders")
	if err != nil {
		s.log.Errorw("compute proxy failed", "req_id", requestIDValue(r), "err", err)
		respondError(w, http.StatusBadGateway, "compute_unreachable")
		return
	}

	if resp.StatusCode() == http.StatusAccepted {
		var accepted struct {
			OrderID string `json:"orderId"`
		}
		if json.Unmarshal(resp.Body(), &accepted) == nil && accepted.OrderID != "" {
			s.audit.Record(accepted.OrderID, body)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode())
	w.Write(resp.Body())
}

// handleSettlementWebhook accepts an attested settlement from the compute
// service. Verification failure rejects the envelope; a failed immediate
// delivery is reported only the first time an envelope is seen, after which
// the retry worker owns it.
func (s *Server) handleSettlementWebhook(w http.ResponseWriter, r *http.Request) {
	var env settlement.WireEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if env.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId")
		return
	}

	ins, err := settlement.ParseWire(env.Settlement)
	if err != nil {
		settlementsRejected.Inc()
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	att, err := settlement.ParseWireAttestation(env.Attestation)
	if err != nil {
		settlementsRejected.Inc()
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	signer, err := s.verifier.Verify(ins, att)
	if err != nil {
		settlementsRejected.Inc()
		s.log.Warnw("attestation rejected", "orderId", env.OrderID, "err", err)
		respondError(w, http.StatusBadRequest, "invalid_attestation")
		return
	}
	settlementsVerified.Inc()

	_, seenBefore := s.store.Get(env.OrderID)
	s.store.Upsert(env, store.Verified{
		ClientOrderID:     env.OrderID,
		SettlementOrderID: ins.OrderID,
		PoolID:            ins.PoolID,
		Trader:            ins.Trader,
		Delta0:            ins.Delta0,
		Delta1:            ins.Delta1,
		SubmittedAt:       ins.SubmittedAt,
		Signer:            signer,
	})
	s.log.Infow("settlement verified", "orderId", env.OrderID, "signer", signer.Hex())

	defer pendingSettlements.Set(float64(len(s.store.ListPending())))

	// First delivery attempt happens inline so the common case never waits
	// for a retry tick.
	if s.submitter != nil && s.submitter.Ready() {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitTimeout)
		txHash, err := s.submitter.Submit(ctx, env)
		cancel()

		if err != nil {
			settlementsFailedAttempts.Inc()
			s.store.MarkFailed(env.OrderID, err.Error())
			s.log.Warnw("immediate delivery failed", "orderId", env.OrderID, "err", err)
			if !seenBefore {
				respondError(w, http.StatusBadGateway, "hook_submission_failed")
				return
			}
		} else {
			settlementsSubmitted.Inc()
			s.store.MarkSubmitted(env.OrderID, txHash)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	entry, ok := s.store.Get(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, "settlement not found")
		return
	}
	respondJSON(w, http.StatusOK, settlementView(entry))
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"settlements": s.store.Stats(),
		"pending":     len(s.store.ListPending()),
		"submitter":   s.submitter != nil && s.submitter.Ready(),
	})
}

func (s *Server) handleAdminPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	pending := s.store.ListPending()
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	views := make([]SettlementView, 0, len(pending))
	for _, entry := range pending {
		views = append(views, settlementView(entry))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleAdminRetry(w http.ResponseWriter, r *http.Request) {
	summary := s.retry.RunCycle(r.Context())
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]
	record, ok := s.audit.Get(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, "no audit record")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// ==============================
// Response helpers
// ==============================

// SettlementView is the JSON shape of a stored settlement for API consumers.
type SettlementView struct {
	OrderID       string                  `json:"orderId"`
	Status        store.Status            `json:"status"`
	Signer        string                  `json:"signer"`
	TxHash        string                  `json:"txHash,omitempty"`
	Error         string                  `json:"error,omitempty"`
	LastAttemptAt int64                   `json:"lastAttemptAt,omitempty"`
	Payload       settlement.WireEnvelope `json:"payload"`
}

func settlementView(entry store.StoredSettlement) SettlementView {
	return SettlementView{
		OrderID:       entry.ClientOrderID,
		Status:        entry.Status,
		Signer:        entry.Verified.Signer.Hex(),
		TxHash:        entry.TxHash,
		Error:         entry.Error,
		LastAttemptAt: entry.LastAttemptAt,
		Payload:       entry.Payload,
	}
}

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
