package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/darkwatch/internal/alerting"
	"github.com/lvonguyen/darkwatch/internal/api"
	"github.com/lvonguyen/darkwatch/internal/classification"
	"github.com/lvonguyen/darkwatch/internal/config"
	"github.com/lvonguyen/darkwatch/internal/dedup"
	"github.com/lvonguyen/darkwatch/internal/engine"
	"github.com/lvonguyen/darkwatch/internal/history"
	"github.com/lvonguyen/darkwatch/internal/matching"
	"github.com/lvonguyen/darkwatch/internal/mitre"
	"github.com/lvonguyen/darkwatch/internal/normalization"
	"github.com/lvonguyen/darkwatch/internal/observability"
	"github.com/lvonguyen/darkwatch/internal/scheduler"
)

func runCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run monitoring cycles",
		Long: `Run monitoring cycles. By default cycles repeat at monitor.interval until
interrupted; --once runs a single cycle and prints its summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), cmd.OutOrStdout(), once, interval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override monitor.interval")

	return cmd
}

// app holds the long-lived components built from one configuration.
type app struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	redis     *redis.Client
	store     dedup.Store
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := observability.New(cfg.TelemetrySettings(Version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger()}

	if cfg.NeedsRedis() {
		a.redis = cfg.Redis.NewRedisClient()
		// the redis dedup store closes the client itself
		if cfg.Dedup.Backend != dedup.BackendRedis {
			a.closers = append(a.closers, a.redis.Close)
		}
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("Redis is not reachable yet", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	var client redis.UniversalClient
	if a.redis != nil {
		client = a.redis
	}
	a.store, err = dedup.New(cfg.Dedup, client, a.logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("opening dedup store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	return a, nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = a.telemetry.Shutdown(shutdownCtx)
}

// intervalOverride replaces the configured interval with the --interval flag.
type intervalOverride struct {
	scheduler.Planner
	interval time.Duration
}

func (o intervalOverride) Next(ctx context.Context) (scheduler.Snapshot, error) {
	snap, err := o.Planner.Next(ctx)
	snap.Interval = o.interval
	return snap, err
}

func runMonitor(ctx context.Context, out io.Writer, once bool, interval time.Duration) error {
	path := configPath()
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	logger := a.logger

	logger.Info("Starting darkwatch",
		zap.String("version", Version),
		zap.String("config", path),
		zap.Strings("sources", cfg.EnabledSources()),
		zap.String("dedup_backend", cfg.Dedup.Backend),
	)

	if n, err := a.store.Purge(ctx, time.Now()); err != nil {
		logger.Warn("Dedup purge failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Purged expired dedup entries", zap.Int("removed", n))
	}

	dispatcher, err := alerting.NewDispatcherFromConfig(cfg.Alerting, logger)
	if err != nil {
		logger.Warn("Some alert sinks are unavailable", zap.Error(err))
	}
	defer dispatcher.Close()
	logger.Info("Alert sinks ready", zap.Strings("sinks", dispatcher.Sinks()))

	recorder, err := history.New(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("initializing cycle history: %w", err)
	}

	// Scorer and Classifier cover the first cycle; the planner rebuilds both
	// from every reload.
	orch, err := engine.New(engine.Deps{
		Normalizer: normalization.NewNormalizer(cfg.Normalization),
		Scorer:     matching.NewEngine(cfg.Matching),
		Classifier: classification.NewClassifier(cfg.Classification),
		Tagger:     mitre.NewMapper(),
		Store:      a.store,
		Dispatcher: dispatcher,
		Recorder:   recorder,
		Metrics:    a.telemetry.Metrics(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	planner := scheduler.NewFilePlanner(path, logger)
	var next scheduler.Planner = planner
	if interval > 0 {
		next = intervalOverride{Planner: planner, interval: interval}
	}
	sched := scheduler.New(orch, next, logger)

	if once || cfg.Monitor.Mode == config.ModeOnce {
		result, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		printSummary(out, result)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	a.telemetry.StartSystemMetricsCollector(gctx)

	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Server.Enabled {
		srv := api.NewServer(apiOptions(a, orch, planner))
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("darkwatch stopped", zap.Int64("cycles", sched.Cycles()))
	return err
}

func apiOptions(a *app, orch *engine.Orchestrator, planner *scheduler.FilePlanner) api.Options {
	cfg := a.cfg
	opts := api.Options{
		Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
		Version:         Version,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Latest:          orch,
		Targets:         planner,
		Metrics:         a.telemetry.Metrics(),
		Logger:          a.logger,
		Checks: map[string]api.Check{
			"dedup": func(ctx context.Context) error {
				_, err := a.store.ShouldAlert(ctx, "darkwatch:readiness", time.Now())
				return err
			},
		},
	}

	if slices.Contains(cfg.History.Backends, history.BackendFile) {
		opts.History = history.NewFileRecorder(cfg.History.FilePath)
	}

	if a.redis != nil {
		opts.Checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
		if cfg.Server.RateLimit.Enabled {
			rl := cfg.Server.RateLimit
			opts.RateLimiter = api.NewRateLimiter(a.redis, rl.RequestsPerMinute, rl.IncludeHeaders, a.logger)
		}
	}
	return opts
}

func printSummary(out io.Writer, r *engine.CycleResult) {
	fmt.Fprintf(out, "Cycle %s finished in %s\n", r.ID, r.Duration().Round(time.Millisecond))

	for _, name := range r.Sources {
		status := "ok"
		for _, e := range r.SourceErrors {
			if e.Source == name {
				status = fmt.Sprintf("%s after %d attempt(s): %s", e.Kind, e.Attempts, e.Message)
			}
		}
		fmt.Fprintf(out, "  %-10s %4d candidates  %s\n", name, r.Candidates[name], status)
	}
	if r.Fallback {
		fmt.Fprintln(out, "  every source failed; synthetic candidates were used")
	}

	fmt.Fprintf(out, "Normalized %d, matched %d, below threshold %d, duplicates %d (%.0f%%)\n",
		r.Normalized, r.Matched, r.BelowThreshold, r.Duplicates, r.DedupRate()*100)
	fmt.Fprintf(out, "Dispatched %d alert(s), %d delivered, %d suppressed\n",
		r.Dispatched, r.Delivered, len(r.Suppressed))

	for _, alert := range r.Alerts {
		marker := ""
		if alert.Synthetic {
			marker = " [synthetic]"
		}
		fmt.Fprintf(out, "  [%s] %s (%d%%) via %s%s\n",
			alert.Severity, alert.MatchedTarget, alert.Confidence, alert.Source, marker)
	}
	for _, failure := range r.DeliveryFailures {
		sinks := make([]string, 0, len(failure.Failures))
		for _, f := range failure.Failures {
			sinks = append(sinks, f.Sink)
		}
		fmt.Fprintf(out, "  delivery failed for %s: %s\n", failure.FindingID, strings.Join(sinks, ", "))
	}
	if r.RecordError != "" {
		fmt.Fprintf(out, "  history not recorded: %s\n", r.RecordError)
	}
}
