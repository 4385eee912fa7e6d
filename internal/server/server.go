package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gaslessrelay/internal/config"
	"gaslessrelay/internal/engine"
	"gaslessrelay/internal/hmacauth"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/queue"
	"gaslessrelay/internal/validator"
)

// Relay is the engine surface the API drives.
type Relay interface {
	Submit(ctx context.Context, in intent.TransferIntent) (engine.Accepted, error)
	Status(ctx context.Context, id string) (*intent.Record, error)
	Estimate(ctx context.Context, asset common.Address, amount *big.Int) (engine.FeeQuote, error)
	Whitelist() engine.AssetList
	ReplaceAssets(assets []validator.Asset) uint64
	QueueSnapshot() queue.Snapshot
	Prioritize(ctx context.Context, id string, priority int) (*intent.Record, error)
	Remove(ctx context.Context, id string) (*intent.Record, error)
	Health(ctx context.Context) engine.Health
}

type Server struct {
	cfg        config.ServiceConfig
	relay      Relay
	hmac       *hmacauth.Verifier
	limiter    *rateLimiter
	metrics    *metrics.Registry
	log        logrus.FieldLogger
	router     chi.Router
	httpServer *http.Server
}

func NewServer(cfg config.ServiceConfig, relay Relay, m *metrics.Registry, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		cfg:   cfg,
		relay: relay,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.HMACSecret,
			MaxSkew: cfg.HMACClockSkew,
			Log:     log,
		},
		limiter: newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		metrics: m,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(s.limiter.Handler).Post("/intents", s.handleSubmit)
		api.With(s.limiter.Handler).Get("/estimate", s.handleEstimate)
		api.Get("/intents/{id}", s.handleStatus)
		api.Get("/assets", s.handleAssets)
		api.Get("/queue", s.handleQueue)
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", m.Handler())

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.hmac.Middleware)
			admin.Put("/assets", s.handleReplaceAssets)
			admin.Post("/intents/{id}/priority", s.handlePrioritize)
			admin.Delete("/intents/{id}", s.handleRemove)
		})
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dependencyStatus struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	h := s.relay.Health(ctx)
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	ledgerInfo := dependencyStatus{Connected: h.Ledger == nil}
	if h.Ledger != nil {
		ledgerInfo.Error = h.Ledger.Error()
	} else {
		ledgerInfo.LatencyMs = latency
	}
	storeInfo := dependencyStatus{Connected: h.Store == nil}
	if h.Store != nil {
		storeInfo.Error = h.Store.Error()
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case h.Store != nil:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case h.Ledger != nil || h.Degraded:
		// intents are still accepted and queued
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status     string           `json:"status"`
		Ledger     dependencyStatus `json:"ledger"`
		Database   dependencyStatus `json:"database"`
		Degraded   bool             `json:"degraded"`
		QueueDepth int              `json:"queue_depth"`
		InFlight   int              `json:"in_flight"`
	}{
		Status:     status,
		Ledger:     ledgerInfo,
		Database:   storeInfo,
		Degraded:   h.Degraded,
		QueueDepth: h.Queue.Queued,
		InFlight:   h.Queue.InFlight,
	})
}

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
