// Package api serves a read-only HTTP view of balances, transactions and
// pipeline health. It has no write path; money only moves through intake
// and the reconciler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"wallet-settlement/pkg/balance"
	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/provider"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Server provides HTTP endpoints for inspection and monitoring.
type Server struct {
	ledger    ledger.Ledger
	balances  balance.Store
	providers *provider.Registry
	registry  *prometheus.Registry
	server    *http.Server
	router    *mux.Router
	config    ServerConfig
	logger    *logging.Logger
	started   time.Time

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	// stats collapses concurrent /stats requests into one ledger query
	stats singleflight.Group
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string `mapstructure:"address"`

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// QueryTimeout bounds each ledger or balance store query
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	Logger *logging.Logger `mapstructure:"-"`
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		QueryTimeout: 5 * time.Second,
	}
}

// NewServer creates a new API server. registry collects the HTTP metrics
// and is exposed on /metrics; a fresh one is created when nil.
func NewServer(l ledger.Ledger, balances balance.Store, providers *provider.Registry, registry *prometheus.Registry, config ServerConfig) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 5 * time.Second
	}

	s := &Server{
		ledger:    l,
		balances:  balances,
		providers: providers,
		registry:  registry,
		config:    config,
		logger:    logging.OrGlobal(config.Logger, "api"),
		started:   time.Now(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	for _, c := range []prometheus.Collector{s.requests, s.latency} {
		if err := registry.Register(c); err != nil {
			s.logger.Warn("http metrics not registered", zap.Error(err))
		}
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	// Health and status endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Wallet inspection endpoints
	r.HandleFunc("/accounts/{id:[0-9]+}/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id:[0-9]+}/transactions", s.handleAccountTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id:[0-9]+}", s.handleTransaction).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("api server listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth checks that the ledger and balance store answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{
		"ledger":  "ok",
		"balance": "ok",
	}
	healthy := true

	// Row 0 never exists; anything but not found means trouble
	if _, err := s.ledger.Get(ctx, 0); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		checks["ledger"] = err.Error()
		healthy = false
	}
	if _, err := s.balances.Read(ctx, 0); err != nil {
		checks["balance"] = err.Error()
		healthy = false
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus returns process and provider circuit information.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	circuits := make(map[string]string)
	for _, name := range s.providers.Names() {
		g, err := s.providers.Get(name)
		if err != nil {
			continue
		}
		if cb, ok := g.(interface{ State() metrics.CircuitState }); ok {
			circuits[name] = cb.State().String()
		} else {
			circuits[name] = "none"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
		"ledger":    s.ledger.Name(),
		"balance":   s.balances.Name(),
		"providers": circuits,
	})
}

// handleBalance returns an account with its current balance.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.QueryTimeout)
	defer cancel()

	acct, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.balances.Read(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":   acct,
		"available": b.Available,
		"reserved":  b.Reserved,
		"total":     b.Total(),
	})
}

// handleAccountTransactions lists an account's transactions newest first.
// Optional query parameters: status, kind, limit, offset.
func (s *Server) handleAccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := ledger.Filter{
		AccountID: id,
		Status:    ledger.Status(q.Get("status")),
		Kind:      ledger.Kind(q.Get("kind")),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]interface{}{
					"error": name + " must be a non-negative integer",
				})
				return
			}
			*dst = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.QueryTimeout)
	defer cancel()

	if _, err := s.ledger.GetAccount(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	txs, err := s.ledger.List(ctx, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":   id,
		"transactions": txs,
		"count":        len(txs),
	})
}

// handleTransaction returns one transaction.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.QueryTimeout)
	defer cancel()

	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleStats returns counts and sums by status and currency.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v, err, shared := s.stats.Do("stats", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.QueryTimeout)
		defer cancel()
		return s.ledger.Stats(ctx)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if shared {
		w.Header().Set("X-Shared-Result", "true")
	}
	writeJSON(w, http.StatusOK, v)
}

// instrument records request counts and latencies by route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		endpoint := routeTemplate(r)
		s.requests.WithLabelValues(r.Method, endpoint, strconv.Itoa(srw.statusCode)).Inc()
		s.latency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
		return
	}
	s.logger.Error("api query failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
}

// pathID parses the {id} route variable.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return tpl
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
