package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/posture/internal/daemon"
	"github.com/yairfalse/posture/internal/emitter"
	"github.com/yairfalse/posture/internal/telemetry"
)

var serveInterval time.Duration

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Check continuously and export findings as metrics",
	Long: `Run posture as a daemon.

Every interval all resource types are fetched once and the built-in rules
are evaluated against the fresh snapshots. Failing findings are exported on
/metrics; /health and /-/ready report the scan loop state.`,
	Example: `  posture serve                         # Defaults from config
  posture serve --interval 5m
  posture serve -c posture.yaml --region us-east-1,eu-west-1`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Scan interval (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveInterval > 0 {
		cfg.Scan.Interval = serveInterval
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	accounts, err := loadAccounts(ctx, cfg, provider.Metrics())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, accounts, provider.Metrics(), nil)
	if err != nil {
		return err
	}

	prom, err := emitter.NewPrometheusEmitter(provider.Meter())
	if err != nil {
		return fmt.Errorf("create emitter: %w", err)
	}
	emit := emitter.NewMultiEmitter(emitter.NewLogEmitter(), prom)
	defer func() { _ = emit.Close() }()

	dm, err := daemon.NewDaemonMetrics(provider.Meter())
	if err != nil {
		return fmt.Errorf("create daemon metrics: %w", err)
	}
	d := daemon.NewDaemon(daemon.Config{
		Interval: cfg.Scan.Interval,
		Timeout:  cfg.Scan.Timeout,
	}, a.pass, emit, dm)

	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	d.RegisterHandlers(mux)
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Strs("regions", cfg.AWS.Regions).
		Dur("interval", cfg.Scan.Interval).
		Str("addr", cfg.Metrics.Addr).
		Int("targets", len(a.targets)).
		Msg("posture starting")

	var g run.Group
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	{
		loopCtx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(loopCtx)
		}, func(error) {
			stop()
		})
	}
	g.Add(func() error {
		log.Info().Str("addr", srv.Addr).Msg("starting metrics server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	})

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
