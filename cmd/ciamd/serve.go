package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/config"
	"github.com/ciamlabs/identity-core/internal/fga/cache"
	"github.com/ciamlabs/identity-core/internal/fga/resolver"
	"github.com/ciamlabs/identity-core/internal/health"
	"github.com/ciamlabs/identity-core/internal/httpapi"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/logging"
	"github.com/ciamlabs/identity-core/internal/oidcprovider"
	"github.com/ciamlabs/identity-core/internal/proxy"
	"github.com/ciamlabs/identity-core/internal/store"
	"github.com/ciamlabs/identity-core/internal/store/memory"
	"github.com/ciamlabs/identity-core/internal/store/postgres"
	"github.com/ciamlabs/identity-core/internal/tenant"
)

// Rotation/retention intervals for the signing key ring and the
// garbage-collector/rate-limiter sweep cadence, named here rather than in
// config.Config: these are operational tuning knobs, not per-deployment
// policy, matching the hardcoded 15s health-check period below.
const (
	keyRotationFrequency = 30 * 24 * time.Hour
	keyVerifyRetention   = 7 * 24 * time.Hour

	gcSchedule       = "@every 5m"
	rateLimiterSweep = "@every 1m"
	keyRotationCheck = "@every 1h"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Run the CIAM server",
		Example: "ciamd serve config.yaml",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			if len(args) == 1 {
				options.config = args[0]
			}
			return runServe(options)
		},
	}
	return cmd
}

func runServe(options serveOptions) error {
	c, err := config.Load(options.config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(c.Logger.Format, c.Logger.Level)
	logger.Info("starting ciamd", "issuer", c.Issuer, "listen_addr", c.ListenAddr)

	fek, err := base64.StdEncoding.DecodeString(c.FieldEncryptionKey)
	if err != nil {
		return fmt.Errorf("field encryption key must be base64: %w", err)
	}

	cacheStore, closeCache, err := openCache(c)
	if err != nil {
		return fmt.Errorf("opening fast kv store: %w", err)
	}
	defer closeCache()

	// The postgres gateway needs a DSNResolver at Open time, but that
	// resolver is produced by the tenant registry, which in turn needs the
	// already-open storage gateway. resolveDSN is a forward reference: the
	// gateway only calls it lazily, per dedicated-tenant lookup, by which
	// point the resolveDSN = registry.DSNResolver() assignment below has
	// replaced it with the registry's real resolver.
	var resolveDSN func(tenantID string) (driver, dsn string, ok bool, err error)
	storage, closeStorage, err := openStorage(c, logger, func(tenantID string) (string, string, bool, error) {
		return resolveDSN(tenantID)
	})
	if err != nil {
		return fmt.Errorf("opening persistent store: %w", err)
	}
	defer closeStorage()

	keys, err := keyring.New(storage, keyRotationFrequency, keyVerifyRetention, logger)
	if err != nil {
		return fmt.Errorf("loading signing key ring: %w", err)
	}

	registry := tenant.New(storage, cacheStore, fek)
	resolveDSN = registry.DSNResolver()
	limiter := tenant.NewLimiter()

	authnSvc := authn.New(storage, cacheStore, keys, registry, limiter, fek)
	oidcSvc := oidcprovider.New(storage, cacheStore, keys, registry, authnSvc, c.Issuer, fek)

	fgaResolver := resolver.New(storage, resolver.DefaultDepthLimit)
	fgaChecker := cache.New(fgaResolver, cacheStore, cache.DefaultTTL)

	api := httpapi.New(authnSvc, fgaChecker, storage, keys)

	mux := http.NewServeMux()
	oidcRouter := oidcSvc.NewRouter(loginURL(c))
	apiRouter := api.NewRouter()
	mux.Handle("/api/", apiRouter)
	mux.Handle("/authz/", apiRouter)
	mux.Handle("/t/", oidcRouter)

	if c.ProxyConfigPath != "" {
		proxyCfg, err := proxy.LoadConfig(c.ProxyConfigPath)
		if err != nil {
			return fmt.Errorf("loading proxy route table: %w", err)
		}
		p, err := proxy.New(proxyCfg, cacheStore, authnSvc, storage, keys, logging.NewLogrusBridge(logger))
		if err != nil {
			return fmt.Errorf("constructing identity proxy: %w", err)
		}
		mux.Handle("/", p.Handler())
	} else {
		mux.Handle("/", http.NotFoundHandler())
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(prometheus.NewGoCollector())
	promRegistry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	checker, err := health.New(map[string]health.Pinger{
		"storage": health.PingerFunc(func(ctx context.Context) error { return pingStorage(storage) }),
		"keyring": health.PingerFunc(func(ctx context.Context) error { return pingKeyring(keys) }),
		"fast_kv": health.PingerFunc(func(ctx context.Context) error { return pingCache(ctx, cacheStore) }),
	}, 15*time.Second)
	if err != nil {
		return fmt.Errorf("constructing health checker: %w", err)
	}

	telemetry := http.NewServeMux()
	telemetry.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	telemetry.Handle("/healthz", checker.Handler())
	telemetry.HandleFunc("/healthz/live", health.Live)
	telemetry.HandleFunc("/health", health.Live)

	sched := cron.New()
	if _, err := sched.AddFunc(gcSchedule, func() {
		if res, err := storage.GarbageCollect(time.Now().UTC()); err != nil {
			logger.Error("garbage collection failed", "error", err)
		} else {
			logger.Info("garbage collection complete", "auth_codes", res.AuthCodes, "auth_requests", res.AuthRequests)
		}
	}); err != nil {
		return fmt.Errorf("scheduling garbage collector: %w", err)
	}
	if _, err := sched.AddFunc(rateLimiterSweep, func() { limiter.Sweep() }); err != nil {
		return fmt.Errorf("scheduling rate limiter sweep: %w", err)
	}
	if _, err := sched.AddFunc(keyRotationCheck, func() {
		if time.Now().UTC().Before(keys.NextRotation()) {
			return
		}
		if err := keys.RotateKey(); err != nil && err != keyring.ErrAlreadyRotated {
			logger.Error("signing key rotation failed", "error", err)
		} else {
			logger.Info("signing key rotated")
		}
	}); err != nil {
		return fmt.Errorf("scheduling key rotation: %w", err)
	}

	var gr run.Group

	{
		ctx, cancel := context.WithCancel(context.Background())
		gr.Add(func() error {
			return registry.WatchInvalidations(ctx)
		}, func(error) { cancel() })
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		gr.Add(func() error {
			return fgaChecker.WatchInvalidations(ctx)
		}, func(error) { cancel() })
	}

	{
		s := sched
		gr.Add(func() error {
			s.Run()
			return nil
		}, func(error) { s.Stop() })
	}

	if err := newServerRunner("http", &http.Server{Addr: c.ListenAddr, Handler: mux}, logger).addTo(&gr); err != nil {
		return err
	}
	if c.TelemetryAddr != "" {
		if err := newServerRunner("telemetry", &http.Server{Addr: c.TelemetryAddr, Handler: telemetry}, logger).addTo(&gr); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run group: %w", err)
		}
		logger.Info("shutdown signal received", "cause", err)
	}
	return nil
}

func loginURL(c *config.Config) string {
	return c.Issuer + "/ui/login"
}

// serverRunner pairs an *http.Server with the listen/serve/shutdown dance
// oklog/run.Group expects.
type serverRunner struct {
	name   string
	srv    *http.Server
	logger *slog.Logger
}

func newServerRunner(name string, srv *http.Server, logger *slog.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) addTo(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}
	gr.Add(func() error {
		s.logger.Info("listening", "server", s.name, "addr", s.srv.Addr)
		return s.srv.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("graceful shutdown failed", "server", s.name, "error", err)
		}
	})
	return nil
}

func openCache(c *config.Config) (kv.Store, func(), error) {
	if c.RedisURL == "" {
		st := kv.NewMemoryStore()
		return st, func() { _ = st.Close() }, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	st := kv.NewRedisStore(client)
	return st, func() { _ = st.Close() }, nil
}

func openStorage(c *config.Config, logger *slog.Logger, resolveDSN postgres.DSNResolver) (store.Storage, func(), error) {
	if c.DatabaseURL == "memory" {
		return memory.New(), func() {}, nil
	}
	gw, err := postgres.Open(postgres.Config{
		SharedDSN:    c.DatabaseURL,
		MaxIdlePools: 8,
		IdlePoolTTL:  10 * time.Minute,
		ResolveDSN:   resolveDSN,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return gw, func() { _ = gw.Close() }, nil
}

func pingStorage(s store.Storage) error {
	_, err := s.GarbageCollect(time.Now().UTC())
	return err
}

func pingKeyring(r *keyring.Ring) error {
	if r.Active() == nil {
		return fmt.Errorf("no active signing key")
	}
	return nil
}

func pingCache(ctx context.Context, c kv.Store) error {
	return c.Set(ctx, kv.Key("health", "", "ping"), []byte("1"), time.Second)
}
