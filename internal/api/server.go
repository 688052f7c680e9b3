package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"offchain-service-core/internal/config"
	"offchain-service-core/internal/keys"
	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/sandbox"
	"offchain-service-core/internal/storage"
)

// Server is the operator and service HTTP surface.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	store      storage.Store
	ledger     ledger.Client
	metrics    *monitor.Metrics
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, proxy Invoker, store storage.Store, ledgerClient ledger.Client,
	ks *keys.Store, sandboxes *sandbox.Manager, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(proxy, store, ks, sandboxes, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		store:     store,
		ledger:    ledgerClient,
		metrics:   metrics,
		startTime: time.Now(),
	}

	allowHeaderIdentity := !cfg.TLS.Enabled || cfg.TLS.ClientCAFile == ""
	if allowHeaderIdentity {
		log.Warn().Msg("no client CA configured; X-Service-Identity header accepted as unverified peer identity")
	}

	// Service API, wrapped with peer identity
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /invoke", s.timed("/invoke", handlers.HandleInvoke))
	apiMux.HandleFunc("GET /requests", s.timed("/requests", handlers.HandleListRequests))
	apiMux.HandleFunc("GET /requests/{id}", s.timed("/requests/{id}", handlers.HandleGetRequest))
	apiMux.HandleFunc("GET /requests/{id}/events", handlers.HandleWatchRequest)
	apiMux.HandleFunc("GET /keys", s.timed("/keys", handlers.HandleListKeys))
	apiMux.HandleFunc("POST /attestation", s.timed("/attestation", handlers.HandleAttestation))
	apiMux.HandleFunc("GET /sandboxes", s.timed("/sandboxes", handlers.HandleListSandboxes))

	identifiedAPI := PeerIdentityMiddleware(allowHeaderIdentity)(apiMux)

	// Top-level mux: health/metrics bypass identity, everything else goes through it
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", identifiedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler exposes the fully wired middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if s.cfg.TLS.ClientCAFile != "" {
			pem, err := os.ReadFile(s.cfg.TLS.ClientCAFile)
			if err != nil {
				return fmt.Errorf("reading client CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("client CA file %s contains no certificates", s.cfg.TLS.ClientCAFile)
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}

		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Bool("client_ca", s.cfg.TLS.ClientCAFile != "").
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = tlsConfig
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled; running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// timed wraps a handler with a per-route duration observation.
func (s *Server) timed(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	storageOK := s.store == nil || s.store.Healthy(ctx)
	ledgerOK := true
	if s.ledger != nil {
		_, err := s.ledger.Height(ctx)
		ledgerOK = err == nil
	}

	resp := HealthResponse{
		Status:  "ok",
		Storage: storageOK,
		Ledger:  ledgerOK,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if !storageOK || !ledgerOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
