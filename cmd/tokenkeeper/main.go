// Package main is the entry point for the tokenkeeper service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlossalguero/tokenkeeper/internal/circuitbreaker"
	"github.com/carlossalguero/tokenkeeper/internal/config"
	"github.com/carlossalguero/tokenkeeper/internal/middleware"
	"github.com/carlossalguero/tokenkeeper/internal/oauth"
	"github.com/carlossalguero/tokenkeeper/internal/provider"
	"github.com/carlossalguero/tokenkeeper/internal/refresher"
	"github.com/carlossalguero/tokenkeeper/internal/scheduler"
	"github.com/carlossalguero/tokenkeeper/internal/shared/consul"
	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/shared/events"
	"github.com/carlossalguero/tokenkeeper/internal/shared/health"
	"github.com/carlossalguero/tokenkeeper/internal/shared/logger"
	"github.com/carlossalguero/tokenkeeper/internal/shared/metrics"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tls"
	"github.com/carlossalguero/tokenkeeper/internal/shared/tracing"
)

func main() {
	cfg, err := config.Load(os.Getenv("TOKENKEEPER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName,
		Environment: cfg.Environment,
	})
	log := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("tokenkeeper stopped with error", "error", err.Error())
		os.Exit(1)
	}
	log.Info("tokenkeeper stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting tokenkeeper", "version", version(), "store", cfg.Store.Driver)

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceVersion = version()
	shutdownTracing, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", "error", err.Error())
		}
	}()

	m := metrics.Init(cfg.Metrics)
	checker := health.NewChecker(health.WithVersion(version()))
	checker.Register("memory", health.MemoryCheck(512<<20))
	sched := scheduler.New(log)

	st, err := openStore(ctx, cfg, checker, sched, m, log)
	if err != nil {
		return err
	}
	defer st.close()

	registry, err := provider.FromMap(cfg.Providers)
	if err != nil {
		return err
	}
	if cfg.Consul.Enabled {
		client, err := consul.NewClient(cfg.Consul)
		if err != nil {
			return errors.Wrap(errors.CodeUnavailable, "connecting to consul", err)
		}
		checker.Register("consul", health.ConsulCheck(client.Health))
		if err := loadProviders(ctx, client, registry, cfg, log); err != nil {
			return err
		}
	}
	log.Info("providers registered", "providers", registry.Names())

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.Enabled {
		nc, err := events.New(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Close(); err != nil {
				log.Warn("nats drain failed", "error", err.Error())
			}
		}()
		publisher = nc
		checker.Register("nats", health.PingCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.Unavailable("nats disconnected")
			}
			return nil
		}))
	}

	var breakers *circuitbreaker.Registry
	if cfg.OAuth.Breaker.Enabled {
		breakerCfg := cfg.OAuth.Breaker
		breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			m.SetCircuitBreakerState(name, int(to))
			if to == circuitbreaker.StateOpen {
				m.RecordCircuitBreakerTrip(name)
			}
			log.Warn("provider circuit changed state", "provider", name, "from", from.String(), "to", to.String())
		}
		breakers = circuitbreaker.NewRegistry(breakerCfg)
		checker.Register("provider_circuits", health.BreakerCheck(breakers.AllStats))
	}

	httpClient, err := tls.HTTPClient(cfg.ProviderTLS, cfg.OAuth.Timeout)
	if err != nil {
		return errors.Wrap(errors.CodeConfiguration, "provider tls", err)
	}

	engine, err := oauth.New(oauth.Options{
		Store:        st.store,
		Logger:       log,
		Metrics:      m,
		Events:       publisher,
		Tracer:       tracing.Tracer(),
		HTTPClient:   httpClient,
		Timeout:      cfg.OAuth.Timeout,
		SiteURL:      cfg.SiteURL,
		CallbackPath: cfg.CallbackPath,
		RateLimit:    cfg.OAuth.RateLimit,
		Burst:        cfg.OAuth.Burst,
		Breakers:     breakers,
	})
	if err != nil {
		return err
	}

	if cfg.Refresh.Enabled {
		opts := []refresher.Option{refresher.WithLogger(log), refresher.WithMetrics(m)}
		if st.cache != nil {
			opts = append(opts, refresher.WithLocker(st.cache))
		}
		sweeper := refresher.New(cfg.Refresh, st.store, engine, registry, opts...)
		if err := sched.AddJob("refresh-sweep", cfg.Refresh.Schedule, sweeper.Job); err != nil {
			return err
		}
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/health", checker.Handler())
	mux.Handle("/health/", checker.Handler())

	handler := middleware.Chain(m.HTTPMiddleware(mux),
		middleware.RequestID(),
		middleware.Tracing("/metrics", "/health/live"),
		middleware.Logging(log),
		middleware.Recovery(log),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	if cfg.HTTP.TLS.Enabled() {
		if srv.TLSConfig, err = tls.ServerTLSConfig(cfg.HTTP.TLS); err != nil {
			return errors.Wrap(errors.CodeConfiguration, "http tls", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", srv.Addr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(errors.CodeUnavailable, "http server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler did not stop in time", "error", err.Error())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err.Error())
	}
	return nil
}

// buildVersion is set with -ldflags at build time.
var buildVersion = "dev"

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return buildVersion
}
