package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/ledger"
	"GaslessRelayer/internal/model"
	"GaslessRelayer/internal/oracle"
	"GaslessRelayer/internal/recorder"
	"GaslessRelayer/internal/relay"
	"GaslessRelayer/internal/swapper"
)

// maxBodyBytes caps a relay request body.
const maxBodyBytes = 1 << 20

// Relayer runs the relay pipeline.
type Relayer interface {
	Relay(ctx context.Context, req *model.RelayRequest) (*model.RelayResult, error)
}

// LedgerView exposes the risk ledger's read side.
type LedgerView interface {
	Snapshot() model.LedgerState
	UserTotals(userID string) model.Usage
	Limits() config.Limits
}

// Compensations lists and settles compensation records.
type Compensations interface {
	PendingCompensations() ([]model.Compensation, error)
	ResolveCompensation(id, note string, at time.Time) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Relayer        Relayer
	Ledger         LedgerView
	Compensations  Compensations
	RateLimitRPS   float64
	RateLimitBurst int

	// TrustProxyHeaders rewrites the client address from X-Real-IP and
	// X-Forwarded-For before rate limiting.
	TrustProxyHeaders bool
	Logger            *zap.Logger
}

// Server is the relayer's HTTP API.
type Server struct {
	Relayer       Relayer
	Ledger        LedgerView
	Compensations Compensations
	Now           func() time.Time

	log          *zap.Logger
	limiter      *RateLimiter
	trustProxies bool
	router       http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Relayer:       cfg.Relayer,
		Ledger:        cfg.Ledger,
		Compensations: cfg.Compensations,
		Now:           time.Now,
		log:           log.Named("http"),
		limiter:       NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		trustProxies:  cfg.TrustProxyHeaders,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.trustProxies {
		r.Use(chimw.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(s.limiter.Middleware).Post("/relay", s.Relay)
		api.Get("/ledger", s.GetLedger)
		api.Get("/ledger/users/{userID}", s.GetUser)
		api.Get("/compensations", s.ListCompensations)
		api.Post("/compensations/{id}/resolve", s.ResolveCompensation)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

type errorBody struct {
	Error     string       `json:"error"`
	Message   string       `json:"message"`
	Scope     ledger.Scope `json:"scope,omitempty"`
	Limit     int64        `json:"limit,omitempty"`
	Projected int64        `json:"projected,omitempty"`
	Code      string       `json:"code,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
}

// Relay handles POST /v1/relay.
func (s *Server) Relay(w http.ResponseWriter, r *http.Request) {
	var req model.RelayRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "malformed JSON body"})
		return
	}
	res, err := s.Relayer.Relay(r.Context(), &req)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeRelayError maps each relay failure kind to a status code.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	var (
		limit     *ledger.LimitExceededError
		exhausted *swapper.ExhaustedError
		broadcast *relay.BroadcastError
	)
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, relay.ErrKycRejected):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "kyc_rejected", Message: err.Error()})
	case errors.As(err, &limit):
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error: "limit_exceeded", Message: err.Error(),
			Scope: limit.Scope, Limit: limit.Limit, Projected: limit.Projected,
		})
	case errors.Is(err, oracle.ErrOracle):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "oracle_unavailable", Message: err.Error()})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "swap_exhausted", Message: err.Error(), Attempts: exhausted.Attempts})
	case errors.As(err, &broadcast):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "broadcast_failed", Message: err.Error(), Code: broadcast.Code})
	default:
		s.log.Error("relay failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

type ledgerResponse struct {
	Totals      model.Usage   `json:"totals"`
	Limits      config.Limits `json:"limits"`
	ActiveUsers int           `json:"active_users"`
	LastReset   time.Time     `json:"last_reset"`
}

// GetLedger handles GET /v1/ledger.
func (s *Server) GetLedger(w http.ResponseWriter, _ *http.Request) {
	state := s.Ledger.Snapshot()
	writeJSON(w, http.StatusOK, ledgerResponse{
		Totals:      state.Totals,
		Limits:      s.Ledger.Limits(),
		ActiveUsers: len(state.PerUser),
		LastReset:   state.LastReset,
	})
}

type userResponse struct {
	UserID          string      `json:"user_id"`
	Usage           model.Usage `json:"usage"`
	PerUserLimit    int64       `json:"per_user_stable_limit"`
	StableRemaining int64       `json:"stable_remaining"`
}

// GetUser handles GET /v1/ledger/users/{userID}.
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "user id is required"})
		return
	}
	usage := s.Ledger.UserTotals(userID)
	limit := s.Ledger.Limits().PerUserStable
	remaining := limit - usage.Stable
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, userResponse{UserID: userID, Usage: usage, PerUserLimit: limit, StableRemaining: remaining})
}

// ListCompensations handles GET /v1/compensations.
func (s *Server) ListCompensations(w http.ResponseWriter, _ *http.Request) {
	pending, err := s.Compensations.PendingCompensations()
	if err != nil {
		s.log.Error("list compensations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "failed to list compensations"})
		return
	}
	if pending == nil {
		pending = []model.Compensation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// ResolveCompensation handles POST /v1/compensations/{id}/resolve.
func (s *Server) ResolveCompensation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "malformed JSON body"})
			return
		}
	}
	at := s.Now()
	if err := s.Compensations.ResolveCompensation(id, body.Note, at); err != nil {
		if errors.Is(err, recorder.ErrCompensationNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "compensation not found or already resolved"})
			return
		}
		s.log.Error("resolve compensation", zap.String("id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "failed to resolve compensation"})
		return
	}
	s.log.Info("compensation resolved", zap.String("id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved_at": at})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
