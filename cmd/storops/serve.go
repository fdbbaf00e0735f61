package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/storops"
	"github.com/loykin/storops/internal/metrics"
	iapi "github.com/loykin/storops/internal/server"
	itls "github.com/loykin/storops/internal/tls"
)

func createServeCommand(storopsCommand command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job poller with its HTTP API",
		Long: `Run the job poller against the configured array and expose it over HTTP.
Metrics are served on [metrics].listen when [metrics].enabled is set.

Examples:
  storops serve --config=storops.toml
  storops serve --listen=:8080 --base-path=/storops`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return storopsCommand.Serve(ctx, *f, nil)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "API listen address (default from [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (default from [server].base_path)")
	return cmd
}

// Serve runs until ctx is done. ready, when set, receives the API server
// once it is listening.
func (c command) Serve(ctx context.Context, f ServeFlags, ready chan<- *http.Server) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.BasePath != "" {
		cfg.Server.BasePath = f.BasePath
	}

	tlsConfig, err := itls.SetupTLS(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}

	a, log, err := c.openArray(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var servers []*http.Server
	router := iapi.NewRouter(a.Helper(), cfg.Server.BasePath)
	if cfg.Metrics.Enabled {
		if err := storops.RegisterMetricsDefault(); err != nil {
			log.Warn("Failed to register metrics", "error", err)
		}
		if cfg.Metrics.Self {
			if self, err := metrics.NewSelfCollector(); err != nil {
				log.Warn("Self metrics unavailable", "error", err)
			} else {
				_ = metrics.RegisterSelf(prometheus.DefaultRegisterer, self)
				router.WithSelfMetrics(self)
			}
		}
		if cfg.Metrics.Listen != "" {
			metricsServer := storops.NewMetricsServer(cfg.Metrics.Listen)
			servers = append(servers, metricsServer)
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server error", "error", err)
				}
			}()
		}
	}

	a.Helper().Start()
	scheme := "http"
	var server *http.Server
	if tlsConfig != nil {
		scheme = "https"
		server = iapi.NewTLSServerWithRouter(cfg.Server.Listen, router, tlsConfig)
	} else {
		server = iapi.NewServerWithRouter(cfg.Server.Listen, router)
	}
	log.Info("Starting storops API server", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath,
		"scheme", scheme, "poll_interval", a.Helper().Interval())
	_, _ = fmt.Fprintf(c.out, "Starting storops %s server on %s%s\n", scheme, cfg.Server.Listen, cfg.Server.BasePath)
	if ready != nil {
		ready <- server
	}

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return shutdown(shutdownCtx, log, append(servers, server)...)
}

// shutdown stops every server, closing those that do not drain in time.
func shutdown(ctx context.Context, log *slog.Logger, servers ...*http.Server) error {
	var errs []error
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("Graceful shutdown failed", "addr", server.Addr, "error", err)
			if cerr := server.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
	}
	return errors.Join(errs...)
}
