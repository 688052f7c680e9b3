package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offchain-service-core/internal/api"
	"offchain-service-core/internal/config"
	"offchain-service-core/internal/dispatch"
	"offchain-service-core/internal/egress"
	"offchain-service-core/internal/keys"
	"offchain-service-core/internal/ledger"
	"offchain-service-core/internal/monitor"
	"offchain-service-core/internal/registry"
	"offchain-service-core/internal/sandbox"
	"offchain-service-core/internal/storage"
	"offchain-service-core/internal/txproxy"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	dev := flag.Bool("dev", false, "run with in-memory collaborators (no postgres, no ledger RPC)")
	flag.Parse()

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(*configPath); statErr == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	applyLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Durable state: postgres outside dev mode, memory inside it.
	var store storage.Store
	if *dev {
		store = storage.NewMemoryStore()
		log.Warn().Msg("dev mode: in-memory store, nothing survives a restart")
	} else {
		if cfg.Database.DSN == "" {
			log.Fatal().Msg("database.dsn is required outside dev mode")
		}
		db, err := storage.New(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		defer db.Close()
		store = db
	}

	auditWriter := storage.NewAuditWriter(store, 10000)
	auditWriter.Start()
	defer auditWriter.Flush(10 * time.Second)

	// Key subsystem. The proxy signing key is bootstrapped by label so a
	// store that regains persistence keeps its key across restarts.
	ks, err := keys.NewStore(cfg.Keys.EnclaveID, cfg.Keys.Simulated)
	if err != nil {
		log.Fatal().Err(err).Msg("key store init failed")
	}
	signingKey, ok := ks.KeyByLabel(cfg.Proxy.SigningKeyLabel)
	if !ok {
		signingKey, err = ks.GenerateKey(keys.TypeECDSAP256, cfg.Proxy.SigningKeyLabel)
		if err != nil {
			log.Fatal().Err(err).Msg("generating proxy signing key failed")
		}
		log.Info().
			Str("key_id", signingKey.ID).
			Str("label", cfg.Proxy.SigningKeyLabel).
			Msg("generated proxy signing key")
	}

	// Sandbox manager for executor identities and capability checks.
	mgr := sandbox.NewManager(sandbox.Config{
		Limits: sandbox.ResourceLimits{
			QuotaBytes:    cfg.Sandbox.DefaultQuotaBytes,
			MaxValueBytes: cfg.Sandbox.MaxValueBytes,
			MaxKeys:       cfg.Sandbox.MaxKeys,
		},
		StrictPeers: cfg.Sandbox.StrictPeers && !*dev,
	}, nil, nil)

	// Application registry: remote service or a seeded memory one in dev.
	var reg registry.Registry
	if *dev {
		mem := registry.NewMemoryRegistry()
		mem.Register(&registry.Application{
			AppID:            "app-dev",
			Name:             "development application",
			Active:           true,
			Permissions:      map[string]bool{"*": true},
			CallbackContract: "ServiceHub",
			CallbackMethod:   "fulfill",
		})
		reg = mem
		log.Warn().Str("app_id", "app-dev").Msg("dev mode: seeded in-memory registry")
	} else {
		if cfg.Registry.URL == "" {
			log.Fatal().Msg("registry.url is required outside dev mode")
		}
		reg = registry.NewHTTPRegistry(cfg.Registry.URL, cfg.Registry.CacheTTL, log.Logger)
	}

	// Ledger client: JSON-RPC or an in-memory chain in dev.
	var ledgerClient ledger.Client
	if *dev {
		ledgerClient = ledger.NewMemoryClient()
		log.Warn().Msg("dev mode: in-memory ledger, transactions are simulated")
	} else {
		if cfg.Ledger.RPCURL == "" {
			log.Fatal().Msg("ledger.rpc_url is required outside dev mode")
		}
		ledgerClient = ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.Timeout)
	}

	// Egress proxy: remote executor calls go through it so the upstream
	// credential never reaches a sandbox.
	var egressProxy *egress.Proxy
	egressSecret := cfg.Egress.Secret
	if cfg.Egress.Enabled {
		token := cfg.Egress.Token
		if token == "" {
			token = os.Getenv("EXECUTOR_API_TOKEN")
		}
		if token == "" {
			log.Warn().Msg("egress enabled but no executor credential configured; forwarding without auth")
		}
		if egressSecret == "" {
			// Per-startup shared secret. If it leaks from a sandbox it is
			// useless against the upstream directly.
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				log.Fatal().Err(err).Msg("failed to generate egress secret")
			}
			egressSecret = hex.EncodeToString(buf)
		}

		egressProxy, err = egress.New(egress.Config{
			Port:     cfg.Egress.Port,
			Upstream: cfg.Egress.Upstream,
			Token:    token,
			Secret:   egressSecret,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("egress proxy init failed")
		}
		if err := egressProxy.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Egress.Port).Msg("failed to start egress proxy")
		}
	}

	// Executors: the built-in randomness source plus one sandboxed remote
	// executor per configured service type.
	catalog := dispatch.NewCatalog()
	catalog.Register(dispatch.ServiceRandom, dispatch.NewRandomExecutor(ks))
	for rawType, rawURL := range cfg.Dispatcher.ExecutorURLs {
		serviceType, err := dispatch.NormalizeServiceType(rawType)
		if err != nil {
			log.Fatal().Err(err).Str("service_type", rawType).Msg("unknown service type in dispatcher.executor_urls")
		}

		sb, err := mgr.CreateSandbox(ctx, sandbox.CreateRequest{
			ServiceID: "executor-" + serviceType,
			Level:     sandbox.LevelNormal,
			Requested: []sandbox.Capability{sandbox.CapNetworkOutbound, sandbox.CapStorageRead, sandbox.CapStorageWrite},
			Required:  []sandbox.Capability{sandbox.CapNetworkOutbound},
		})
		if err != nil {
			log.Fatal().Err(err).Str("service_type", serviceType).Msg("creating executor sandbox failed")
		}

		base := rawURL
		if egressProxy != nil {
			base = executorBaseURL(rawURL, egressProxy.Addr())
		}
		ex := dispatch.NewRemoteExecutor(sb, base, cfg.Dispatcher.ExecTimeout)
		if egressProxy != nil {
			ex = ex.WithAuthToken(egressSecret)
		}
		catalog.Register(serviceType, ex)
		log.Info().
			Str("service_type", serviceType).
			Str("url", base).
			Bool("egress", egressProxy != nil).
			Msg("remote executor registered")
	}

	// Transaction proxy and the request router behind it.
	allowPairs := cfg.Proxy.Allowlist
	if *dev && len(allowPairs) == 0 {
		allowPairs = []string{"ServiceHub:fulfill"}
		log.Warn().Strs("allowlist", allowPairs).Msg("dev mode: seeded proxy allowlist")
	}
	proxy := txproxy.New(txproxy.Config{
		SigningKeyID: signingKey.ID,
		Sender:       cfg.Proxy.Sender,
	}, ks, mgr, ledgerClient, store, txproxy.NewAllowlist(allowPairs), auditWriter, metrics, log.Logger)

	router := dispatch.NewRouter(dispatch.RouterConfig{
		MaxResultBytes:       cfg.Dispatcher.MaxResultBytes,
		ExecTimeout:          cfg.Dispatcher.ExecTimeout,
		RelaxedCallbackMatch: cfg.Registry.AllowCallbackMismatch || *dev,
	}, store, reg, catalog, proxy, monitor.NewPayloadInspector(0), auditWriter, metrics, log.Logger)

	dispatcher := dispatch.New(dispatch.Config{
		QueueSize: cfg.Dispatcher.QueueSize,
		Workers:   cfg.Dispatcher.Workers,
	}, metrics, log.Logger)
	dispatcher.RegisterHandler("service-requests",
		dispatch.Filter{EventNames: []string{"ServiceRequested"}}, router.HandleEvent)
	dispatcher.Start(ctx)

	watcher := ledger.NewWatcher(ledgerClient, func(ctx context.Context, ev ledger.Event) error {
		return dispatcher.Dispatch(&ev)
	}, ledger.WatcherConfig{
		PollInterval: cfg.Ledger.PollInterval,
		StartHeight:  cfg.Ledger.StartHeight,
	}, log.Logger)
	watcher.Start(ctx)

	confirmations := txproxy.NewConfirmationWorker(txproxy.ConfirmationConfig{
		PollInterval: cfg.Proxy.ConfirmPollInterval,
		Window:       cfg.Proxy.ConfirmWindow,
	}, ledgerClient, store, metrics, log.Logger)
	confirmations.Start(ctx)

	server := api.NewServer(cfg, proxy, store, ledgerClient, ks, mgr, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		watcher.Stop()
		dispatcher.Stop()
		confirmations.Stop()

		if egressProxy != nil {
			if err := egressProxy.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("egress proxy shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("dev", *dev).
		Str("enclave_id", cfg.Keys.EnclaveID).
		Strs("executors", catalog.Types()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func applyLogging(cfg config.LoggingConfig) {
	if cfg.Level != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// executorBaseURL rewrites an executor URL onto the egress proxy,
// keeping the path so one proxy can front several executors.
func executorBaseURL(raw, egressAddr string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return "http://" + egressAddr + u.Path
}
