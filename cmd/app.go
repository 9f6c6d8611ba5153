package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/conneroisu/livegate/internal/admin"
	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/gateway"
	"github.com/conneroisu/livegate/internal/logging"
	"github.com/conneroisu/livegate/internal/security"
	"github.com/conneroisu/livegate/internal/throttle"
)

// app holds the wired components of a running gateway.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	sec      *security.SecurityManager
	dist     *throttle.Distributor
	gw       *gateway.Gateway
	admin    *admin.Server
	registry *prometheus.Registry
	closers  []io.Closer
}

// newApp builds every component from cfg. Callers must call close.
func newApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logging.OrNop(logger)}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) (err error) {
	cfg := a.cfg

	opts := security.ManagerOptions{Logger: a.logger}

	if cfg.Redis.Enabled {
		store, err := security.DialRedisStore(ctx, cfg.Redis, security.SystemClock{})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store)
		opts.Store = store
		a.logger.Info(ctx, "Rate limit counters kept in Redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Auth.Enabled {
		resolver, err := security.NewJWTIdentityResolver(cfg.Auth)
		if err != nil {
			return fmt.Errorf("configuring identity resolver: %w", err)
		}
		opts.Resolver = resolver
	}

	if cfg.Audit.LogEntries {
		opts.AuditSinks = append(opts.AuditSinks, security.LoggerSink{Logger: a.logger.WithComponent("audit")})
	}
	if cfg.Audit.File != "" {
		sink := security.NewFileSink(cfg.Audit)
		a.closers = append(a.closers, sink)
		opts.AuditSinks = append(opts.AuditSinks, sink)
	}

	if a.sec, err = security.NewSecurityManager(cfg.Security.Clone(), opts); err != nil {
		return err
	}

	if a.dist, err = throttle.NewDistributor(cfg.Throttle, a.logger); err != nil {
		return err
	}

	router := gateway.NewRouter()
	router.Fallback(gateway.Relay(a.dist, cfg.Server.RelayEvents))

	if a.gw, err = gateway.New(gateway.Options{
		Server:      cfg.Server,
		Security:    a.sec,
		Distributor: a.dist,
		Router:      router,
		Logger:      a.logger,
	}); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		security.NewCollector(a.sec),
		throttle.NewCollector(a.dist),
		gateway.NewCollector(a.gw),
	)

	if cfg.Admin.Enabled {
		if a.admin, err = admin.New(admin.Options{
			Config:      cfg.Admin,
			Security:    a.sec,
			Distributor: a.dist,
			Gateway:     a.gw,
			Gatherer:    a.registry,
			Logger:      a.logger,
		}); err != nil {
			return err
		}
	}

	return nil
}

// reload applies a configuration read from disk. Only the security snapshot
// and the throttle policy change at runtime; listener settings need a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	if err := a.sec.UpdateConfig(ctx, cfg.Security.Clone()); err != nil {
		a.logger.Error(ctx, err, "Security configuration rejected on reload")
	}
	if err := a.dist.SetConfig(cfg.Throttle); err != nil {
		a.logger.Error(ctx, err, "Throttle configuration rejected on reload")
	}
}

func (a *app) close() {
	if a.sec != nil {
		a.sec.Stop()
	}
	if a.dist != nil {
		a.dist.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn(context.Background(), err, "Close failed")
		}
	}
	a.closers = nil
}
