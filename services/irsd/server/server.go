package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/irs"
	"irsvenue/observability"
	"irsvenue/services/irsd/indexer"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
	requestIDHeader = "X-Request-ID"
)

// Config configures the HTTP surface.
type Config struct {
	ListenAddress  string
	Owner          crypto.Address
	AllowedOrigins []string
	RateLimit      RateLimit
	Auth           AuthConfig
}

// Server exposes the venue over HTTP. Mutations run against the venue
// directly; the authenticated principal is the acting trader.
type Server struct {
	cfg     Config
	venue   *irs.Venue
	indexer *indexer.Indexer
	hub     *Hub
	pauses  *nativecommon.Pauses
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	handler http.Handler
}

// New builds the server. idx and hub may be nil, in which case the event
// endpoints report the feature as unavailable.
func New(cfg Config, venue *irs.Venue, idx *indexer.Indexer, hub *Hub, pauses *nativecommon.Pauses, logger *slog.Logger) (*Server, error) {
	if venue == nil {
		return nil, errors.New("server: venue required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if pauses == nil {
		pauses = nativecommon.NewPauses()
	}
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		cfg:     cfg,
		venue:   venue,
		indexer: idx,
		hub:     hub,
		pauses:  pauses,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger,
	}
	s.handler = otelhttp.NewHandler(s.routes(), "irsd")
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("public"))
			r.Get("/index", s.handleIndex)
			r.Get("/pools", s.handlePools)
			r.Get("/pools/{id}", s.handlePool)
			r.Get("/accounts", s.handleAccounts)
			r.Get("/accounts/{trader}", s.handleAccount)
			r.Get("/accounts/{trader}/health", s.handleHealth)
			r.Get("/positions", s.handlePosition)
			r.Get("/events", s.handleEvents)
			r.Get("/events/ws", s.handleEventsWS)
			r.Post("/poke", s.handlePoke)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("trade"))
			r.Use(s.auth.Middleware(ScopeTrade))
			r.Post("/collateral/deposit", s.handleDeposit)
			r.Post("/collateral/withdraw", s.handleWithdraw)
			r.Post("/exposure/add", s.handleAddExposure)
			r.Post("/exposure/remove", s.handleRemoveExposure)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("liquidate"))
			r.Use(s.auth.Middleware(ScopeLiquidate))
			r.Post("/liquidations", s.handleLiquidate)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeSettle))
			r.Post("/funding/collect", s.handleCollectFunding)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeAdmin))
			r.Post("/pools", s.handleAdminPool)
			r.Post("/collateral", s.handleAdminCollateral)
			r.Post("/pause", s.handleAdminPause)
			r.Post("/index/manual", s.handleAdminManualRate)
			r.Post("/index/freeze", s.handleAdminFreeze)
			r.Post("/observations", s.handleAdminObservation)
		})
	})
	return r
}

// Run serves until ctx is cancelled and then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("irsd listening", slog.String("addr", s.cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(start)
		observability.ModuleMetrics().Observe(route, r.Method, rec.status, elapsed)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", w.Header().Get(requestIDHeader)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
