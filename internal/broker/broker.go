package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/monitoring"
	"github.com/farhan-ahmed1/tether/internal/registry"
	"github.com/farhan-ahmed1/tether/internal/storage"
)

// TokenHeader carries the shared secret
const TokenHeader = "X-Auth-Token"

// TokenParam is the query-string alternative to TokenHeader
const TokenParam = "token"

// apiPrefix guards every authenticated route
const apiPrefix = "/api"

// Broker exposes the task registry over HTTP
type Broker struct {
	addr     string
	registry *registry.Registry
	sink     storage.Sink
	token    string
	metrics  *monitoring.Metrics
	logger   *logger.Logger
	handler  http.Handler

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	server   *http.Server
	serverMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
}

// Config holds broker configuration
type Config struct {
	Addr     string // e.g., ":8765"
	Registry *registry.Registry
	Sink     storage.Sink // optional
	Token    string       // empty disables authorization
	Metrics  *monitoring.Metrics
	Logger   *logger.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewBroker creates a new broker instance
func NewBroker(cfg Config) *Broker {
	if cfg.Addr == "" {
		cfg.Addr = ":8765"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("broker")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics(cfg.Registry.Summary)
	}

	b := &Broker{
		addr:         cfg.Addr,
		registry:     cfg.Registry,
		sink:         cfg.Sink,
		token:        cfg.Token,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		ready:        make(chan struct{}),
	}
	b.handler = b.routes()
	return b
}

// routes builds the router and middleware chain
func (b *Broker) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	r.Use(b.withMetrics)

	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", b.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/enqueue", b.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/api/next", b.handleNext).Methods(http.MethodGet)
	r.HandleFunc("/api/result", b.handleSubmitResult).Methods(http.MethodPost)
	r.HandleFunc("/api/result/{id}", b.handleGetResult).Methods(http.MethodGet)
	r.HandleFunc("/api/status", b.handleStatus).Methods(http.MethodGet)

	return b.withLogging(b.withCORS(trimTrailingSlash(b.withAuth(r))))
}

// Handler returns the full HTTP handler, for embedding or httptest
func (b *Broker) Handler() http.Handler {
	return b.handler
}

// Start listens on the configured address and serves until Stop
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	return b.Serve(ln)
}

// Serve serves on an existing listener until Stop
func (b *Broker) Serve(ln net.Listener) error {
	server := &http.Server{
		Handler:      b.handler,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	b.serverMu.Lock()
	b.server = server
	b.serverMu.Unlock()

	b.readyOnce.Do(func() { close(b.ready) })

	b.logger.Info("Starting broker server", logger.Fields{
		"address": ln.Addr().String(),
		"auth":    b.token != "",
	})
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready returns a channel that is closed when the broker is serving
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Stop gracefully shuts down the broker
func (b *Broker) Stop(ctx context.Context) error {
	b.serverMu.RLock()
	server := b.server
	b.serverMu.RUnlock()

	if server == nil {
		return nil
	}

	b.logger.Info("Shutting down broker server")
	return server.Shutdown(ctx)
}

// trimTrailingSlash lets /api/status/ reach the /api/status route without
// a redirect, which clients would not follow for POST
func trimTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > 1 && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimRight(r.URL.Path, "/")
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}
