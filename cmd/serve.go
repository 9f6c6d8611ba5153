package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/livegate/internal/config"
	gateerrors "github.com/conneroisu/livegate/internal/errors"
	"github.com/conneroisu/livegate/internal/logging"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the gateway and the admin API",
	Long: `Start the WebSocket gateway, the admin API and the background cleanup.

The configuration file is watched; security and throttle settings are
replaced in place when it changes. Listener settings need a restart.

Examples:
  livegate serve                          # Serve with .livegate.yml
  livegate serve --port 9000 --path /live # Override the gateway address
  livegate serve --redis                  # Share rate limits through Redis
  livegate serve --admin=false            # Gateway only`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	bindFlags(serveCmd, listenFlags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closer := logging.NewLogger(&logging.LoggerConfig{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     os.Stderr,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Component:  "livegate",
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, viper.ConfigFileUsed())
}

// serve runs until ctx is cancelled or a listener fails, then drains the
// gateway and stops the servers.
func serve(ctx context.Context, cfg *config.Config, logger logging.Logger, configPath string) error {
	logger = logging.OrNop(logger)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, a.gw.Handler())
	gatewaySrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	var adminSrv *http.Server
	if a.admin != nil {
		adminSrv = a.admin.HTTPServer()
	}

	g, gctx := errgroup.WithContext(ctx)

	a.sec.Start(gctx)

	g.Go(func() error {
		logger.Info(gctx, "Gateway listening", "addr", gatewaySrv.Addr, "path", cfg.Server.Path)
		if err := gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return gateerrors.NewNetworkError(gateerrors.ErrCodeListenFailed, "gateway server", err)
		}
		return nil
	})

	if adminSrv != nil {
		g.Go(func() error {
			logger.Info(gctx, "Admin API listening", "addr", adminSrv.Addr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return gateerrors.NewNetworkError(gateerrors.ErrCodeListenFailed, "admin server", err)
			}
			return nil
		})
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, 0, func(next *config.Config) {
			a.reload(gctx, next)
		}, logger)
		if err != nil {
			logger.Warn(ctx, err, "Config hot reload disabled", "path", configPath)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("draining sessions: %w", err))
		}
		if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway server shutdown: %w", err))
		}
		if adminSrv != nil {
			if err := adminSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		gateerrors.NewErrorHandler(logger).Handle(context.Background(), err)
		return err
	}
	return nil
}
