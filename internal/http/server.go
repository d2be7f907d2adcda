package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"cadenza/internal/core"
	"cadenza/internal/log"
	"cadenza/internal/services"
	"cadenza/internal/storage"
	"cadenza/internal/worker"
)

// RecordService is the part of services.RecordService the API drives.
type RecordService interface {
	SetTimezone(ctx context.Context, userID, timezone string) (core.User, error)
	Create(ctx context.Context, rec core.Record) (services.SaveResult, error)
	Update(ctx context.Context, rec core.Record) (services.SaveResult, error)
	Get(ctx context.Context, userID, id string) (core.Record, error)
	List(ctx context.Context, userID string, f storage.RecordFilter) ([]core.Record, error)
	Delete(ctx context.Context, userID, id string) (int64, error)
	MarkPaid(ctx context.Context, userID, id string) (services.RolloverResult, error)
}

// Reconciler reconciles a single user in-process.
type Reconciler interface {
	ReconcileUser(ctx context.Context, userID string) (worker.SweepReport, error)
}

// ReconcilePublisher hands a reconcile request to the worker.
type ReconcilePublisher interface {
	PublishReconcileRequest(ctx context.Context, userID, reason string) error
}

// Dependencies wires the server. Publisher is nil when AMQP is disabled, in
// which case reconcile requests run synchronously through Reconciler.
type Dependencies struct {
	Records    RecordService
	Reconciler Reconciler
	Publisher  ReconcilePublisher
	Ping       func(ctx context.Context) error
	Logger     *log.Logger
}

type Server struct {
	http.Server
	deps        Dependencies
	logger      *log.Logger
	rateLimiter *rateLimiter
	metrics     *securityMetrics

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	s := &Server{
		deps:        deps,
		logger:      logger.WithComponent(log.ComponentHTTP),
		rateLimiter: newRateLimiter(writeLimitPerWindow, rateLimitWindow),
		metrics:     &securityMetrics{},
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// template writes run the backfill before responding
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	r.Use(
		log.Middleware(s.logger),
		log.RequestIDMiddleware,
		log.AccessLog(extractClientIP),
		s.withSecurity,
	)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/users/{userID}", s.handlePutUser).Methods(http.MethodPut)

	api := r.PathPrefix("/api/users/{userID}").Subrouter()
	api.HandleFunc("/records", s.handleListRecords).Methods(http.MethodGet)
	api.HandleFunc("/records", s.handleCreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/records/{id}", s.handleGetRecord).Methods(http.MethodGet)
	api.HandleFunc("/records/{id}", s.handleUpdateRecord).Methods(http.MethodPut)
	api.HandleFunc("/records/{id}", s.handleDeleteRecord).Methods(http.MethodDelete)
	api.HandleFunc("/records/{id}/pay", s.handlePayBill).Methods(http.MethodPost)
	api.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)

	return r
}

// withSecurity adds security headers, flags probing traffic and rate limits
// mutating requests per client.
func (s *Server) withSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)

		if detectSuspiciousRequest(r, s.metrics) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
				log.FieldClientIP, clientIP,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path)
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead && !s.rateLimiter.allow(clientIP, s.metrics) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
				log.FieldClientIP, clientIP,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded, try again later"})
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}
