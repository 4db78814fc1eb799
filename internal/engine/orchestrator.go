// Package engine runs monitoring cycles: gather candidates from every enabled
// source, push them through the match/dedup/classify pipeline, cap and
// dispatch the survivors, and record the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/darkwatch/internal/alerting"
	"github.com/lvonguyen/darkwatch/internal/dedup"
	"github.com/lvonguyen/darkwatch/internal/finding"
	"github.com/lvonguyen/darkwatch/internal/normalization"
	"github.com/lvonguyen/darkwatch/internal/observability"
	"github.com/lvonguyen/darkwatch/internal/sources"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// Defaults.
const (
	DefaultConfidenceThreshold = 80
	DefaultMaxAlertsPerCycle   = 10
	DefaultCycleTimeout        = 2 * time.Minute
	DefaultSourceTimeout       = 30 * time.Second
	DefaultRetries             = 2
	DefaultBackoff             = 500 * time.Millisecond
)

// GatherConfig bounds how long and how often each source is tried.
type GatherConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// Config holds per-cycle settings. It is read once at the start of a cycle.
type Config struct {
	ConfidenceThreshold int           `yaml:"confidence_threshold"`
	MaxAlertsPerCycle   int           `yaml:"max_alerts_per_cycle"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout"`
	Gather              GatherConfig  `yaml:"-"`
	// Retention, when positive, is applied to the dedup store before the
	// pipeline runs.
	Retention time.Duration `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxAlertsPerCycle:   DefaultMaxAlertsPerCycle,
		CycleTimeout:        DefaultCycleTimeout,
		Gather: GatherConfig{
			Timeout: DefaultSourceTimeout,
			Retries: DefaultRetries,
			Backoff: DefaultBackoff,
		},
	}
}

// Plan is the immutable snapshot one cycle runs against.
type Plan struct {
	Targets *targets.Set
	Sources []sources.Source
	Config  Config

	// Scorer and Classifier, when set, replace the orchestrator's defaults
	// for this cycle.
	Scorer     Scorer
	Classifier Classifier
}

// Scorer attaches the best watch target to a finding.
type Scorer interface {
	Score(f finding.Finding, set *targets.Set) (finding.Finding, bool)
}

// Classifier assigns severity to a matched finding.
type Classifier interface {
	Classify(f finding.Finding) finding.Severity
}

// Tagger labels a classified finding with ATT&CK technique IDs.
type Tagger interface {
	Tag(f finding.Finding) []string
}

// Dispatcher delivers one finding to the notification sinks.
type Dispatcher interface {
	Dispatch(ctx context.Context, f finding.Finding) alerting.Delivery
}

// Recorder persists a finished cycle.
type Recorder interface {
	Record(ctx context.Context, result *CycleResult) error
}

// FallbackFactory builds the source used when every live source is empty.
type FallbackFactory func(set *targets.Set) sources.Source

// Deps are the long-lived collaborators of the orchestrator.
type Deps struct {
	Normalizer *normalization.Normalizer
	Scorer     Scorer
	Classifier Classifier
	Tagger     Tagger
	Store      dedup.Store
	Dispatcher Dispatcher
	Recorder   Recorder
	Fallback   FallbackFactory
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Orchestrator runs cycles. RunCycle is not meant to be called concurrently;
// Latest is safe from any goroutine.
type Orchestrator struct {
	normalizer *normalization.Normalizer
	scorer     Scorer
	classifier Classifier
	tagger     Tagger
	store      dedup.Store
	dispatcher Dispatcher
	recorder   Recorder
	fallback   FallbackFactory
	metrics    *observability.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu     sync.RWMutex
	latest *CycleResult
}

// New creates an orchestrator. Scorer and Classifier are required; the other
// collaborators fall back to in-memory or logging defaults.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Scorer == nil || deps.Classifier == nil {
		return nil, errors.New("engine: scorer and classifier are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalization.NewNormalizer(normalization.NormalizerConfig{})
	}
	if deps.Store == nil {
		deps.Store = dedup.NewMemoryStore(dedup.DefaultRetention)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = alerting.NewDispatcher(deps.Logger)
	}
	if deps.Fallback == nil {
		deps.Fallback = func(set *targets.Set) sources.Source { return sources.NewSyntheticSource(set) }
	}

	return &Orchestrator{
		normalizer: deps.Normalizer,
		scorer:     deps.Scorer,
		classifier: deps.Classifier,
		tagger:     deps.Tagger,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		fallback:   deps.Fallback,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("engine"),
		tracer:     otel.Tracer("github.com/lvonguyen/darkwatch/internal/engine"),
		now:        time.Now,
	}, nil
}

// Latest returns the most recently recorded cycle, or nil.
func (o *Orchestrator) Latest() *CycleResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest
}

// sourced pairs a raw candidate with the source that produced it.
type sourced struct {
	source string
	raw    finding.RawCandidate
}

// RunCycle executes one full cycle against plan. Cancelling ctx stops the
// gather phase early; sources still running are recorded as failed and the
// remaining phases complete on a detached context so the dedup store is never
// left half-applied. It never returns nil.
func (o *Orchestrator) RunCycle(ctx context.Context, plan Plan) *CycleResult {
	cfg := withDefaults(plan.Config)
	result := &CycleResult{
		ID:         uuid.NewString(),
		StartedAt:  o.now().UTC(),
		Candidates: make(map[string]int),
	}

	ctx, span := o.tracer.Start(ctx, "engine.RunCycle", trace.WithAttributes(
		attribute.String("cycle.id", result.ID),
		attribute.Int("cycle.sources", len(plan.Sources)),
	))
	defer span.End()

	logger := o.logger.With(zap.String("cycle_id", result.ID))
	logger.Info("Cycle started", zap.Int("sources", len(plan.Sources)), zap.Int("targets", plan.Targets.Len()))

	// Everything after gather runs detached from cancellation.
	detached := context.WithoutCancel(ctx)
	defer o.record(detached, result, logger)

	candidates := o.gather(ctx, plan.Sources, cfg, result, logger)

	if len(candidates) == 0 {
		candidates = o.runFallback(detached, plan.Targets, result, logger)
	}

	if cfg.Retention > 0 && cfg.Retention != o.store.Retention() {
		logger.Info("Dedup retention changed", zap.Duration("retention", cfg.Retention))
		o.store.SetRetention(cfg.Retention)
	}

	st := stages{scorer: o.scorer, classifier: o.classifier}
	if plan.Scorer != nil {
		st.scorer = plan.Scorer
	}
	if plan.Classifier != nil {
		st.classifier = plan.Classifier
	}

	survivors := o.pipeline(detached, candidates, plan.Targets, st, cfg, result, logger)
	dispatched := o.capFindings(survivors, cfg.MaxAlertsPerCycle, result)
	o.dispatch(detached, dispatched, result, logger)

	span.SetAttributes(
		attribute.Int("cycle.candidates", result.TotalCandidates()),
		attribute.Int("cycle.dispatched", result.Dispatched),
		attribute.Bool("cycle.fallback", result.Fallback),
	)
	return result
}

func withDefaults(cfg Config) Config {
	if cfg.ConfidenceThreshold < 0 {
		cfg.ConfidenceThreshold = 0
	}
	if cfg.MaxAlertsPerCycle <= 0 {
		cfg.MaxAlertsPerCycle = DefaultMaxAlertsPerCycle
	}
	if cfg.Gather.Retries < 0 {
		cfg.Gather.Retries = 0
	}
	if cfg.Gather.Backoff <= 0 {
		cfg.Gather.Backoff = DefaultBackoff
	}
	return cfg
}

// =============================================================================
// Gather
// =============================================================================

// outcome is what one source contributed to the cycle.
type outcome struct {
	candidates []finding.RawCandidate
	err        error
	attempts   int
	elapsed    time.Duration
	done       bool
}

// gather runs every source concurrently on a pool sized to the source count
// and waits until all return or the cycle deadline passes.
func (o *Orchestrator) gather(ctx context.Context, srcs []sources.Source, cfg Config, result *CycleResult, logger *zap.Logger) []sourced {
	if len(srcs) == 0 {
		return nil
	}

	gatherCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.CycleTimeout > 0 {
		gatherCtx, cancel = context.WithTimeout(ctx, cfg.CycleTimeout)
	}
	defer cancel()

	var (
		mu       sync.Mutex
		outcomes = make([]outcome, len(srcs))
	)

	g := new(errgroup.Group)
	g.SetLimit(len(srcs))
	for i, src := range srcs {
		result.Sources = append(result.Sources, src.Name())
		g.Go(func() error {
			out := o.fetch(gatherCtx, src, cfg.Gather)
			out.done = true
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-gatherCtx.Done():
	}

	mu.Lock()
	snapshot := make([]outcome, len(outcomes))
	copy(snapshot, outcomes)
	mu.Unlock()

	var all []sourced
	for i, src := range srcs {
		name := src.Name()
		out := snapshot[i]
		if !out.done {
			kind := KindTimeout
			if ctx.Err() != nil {
				kind = KindCancelled
			}
			out.err = fmt.Errorf("source still pending at cycle deadline: %w", gatherCtx.Err())
			out.elapsed = o.now().Sub(result.StartedAt)
			result.SourceErrors = append(result.SourceErrors, SourceError{
				Source: name, Kind: kind, Message: out.err.Error(), Attempts: out.attempts,
			})
			o.metrics.ObserveSource(name, 0, kind, out.elapsed)
			logger.Warn("Source did not finish in time", zap.String("source", name), zap.String("kind", kind))
			result.Candidates[name] = 0
			continue
		}

		errKind := ""
		if out.err != nil {
			errKind = errorKind(out.err)
			result.SourceErrors = append(result.SourceErrors, SourceError{
				Source: name, Kind: errKind, Message: out.err.Error(), Attempts: out.attempts,
			})
			logger.Warn("Source failed",
				zap.String("source", name),
				zap.String("kind", errKind),
				zap.Int("attempts", out.attempts),
				zap.Int("partial_candidates", len(out.candidates)),
				zap.Error(out.err),
			)
		}

		result.Candidates[name] = len(out.candidates)
		o.metrics.ObserveSource(name, len(out.candidates), errKind, out.elapsed)
		for _, c := range out.candidates {
			all = append(all, sourced{source: name, raw: c})
		}
	}

	logger.Info("Gather complete",
		zap.Int("candidates", len(all)),
		zap.Int("source_errors", len(result.SourceErrors)),
	)
	return all
}

// fetch calls src with a per-attempt timeout, retrying transient failures with
// exponential backoff. Partial results are kept; the largest set wins.
func (o *Orchestrator) fetch(ctx context.Context, src sources.Source, cfg GatherConfig) (out outcome) {
	ctx, span := o.tracer.Start(ctx, "source.Fetch", trace.WithAttributes(attribute.String("source", src.Name())))
	start := o.now()
	defer func() {
		out.elapsed = o.now().Sub(start)
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		span.SetAttributes(attribute.Int("candidates", len(out.candidates)), attribute.Int("attempts", out.attempts))
		span.End()
	}()

	for attempt := 1; ; attempt++ {
		out.attempts = attempt
		candidates, err := fetchOnce(ctx, src, cfg.Timeout)
		if len(candidates) > len(out.candidates) {
			out.candidates = candidates
		}
		out.err = err
		if err == nil {
			return out
		}
		if ctx.Err() != nil || !sources.IsTransient(err) || attempt > cfg.Retries {
			return out
		}

		delay := cfg.Backoff * time.Duration(1<<(attempt-1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.err = fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			return out
		case <-timer.C:
		}
	}
}

// fetchOnce runs one attempt; a panicking adapter becomes a malformed error.
func fetchOnce(ctx context.Context, src sources.Source, timeout time.Duration) (candidates []finding.RawCandidate, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = sources.Malformed(fmt.Errorf("source %s panicked: %v", src.Name(), r))
		}
	}()

	candidates, err = src.Fetch(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return candidates, err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, sources.ErrMalformed):
		return KindMalformed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindTransient
	}
}

// runFallback invokes the synthetic source when every live source came back
// empty.
func (o *Orchestrator) runFallback(ctx context.Context, set *targets.Set, result *CycleResult, logger *zap.Logger) []sourced {
	src := o.fallback(set)
	candidates, err := src.Fetch(ctx)
	if err != nil {
		logger.Warn("Fallback source failed", zap.String("source", src.Name()), zap.Error(err))
	}
	if len(candidates) == 0 {
		// the fallback must feed the pipeline at least once
		candidates = sources.Generate(set)
	}

	result.Fallback = true
	result.Candidates[src.Name()] += len(candidates)
	logger.Warn("No candidates from live sources, using synthetic fallback",
		zap.String("source", src.Name()),
		zap.Int("candidates", len(candidates)),
	)

	out := make([]sourced, 0, len(candidates))
	for _, c := range candidates {
		c.Synthetic = true
		out = append(out, sourced{source: src.Name(), raw: c})
	}
	return out
}

// =============================================================================
// Pipeline
// =============================================================================

// stages are the scorer and classifier in effect for one cycle.
type stages struct {
	scorer     Scorer
	classifier Classifier
}

// pipeline normalizes, scores, filters, deduplicates and classifies. It is
// sequential so dedup for one identifier is serialized within the cycle.
func (o *Orchestrator) pipeline(ctx context.Context, candidates []sourced, set *targets.Set, st stages, cfg Config, result *CycleResult, logger *zap.Logger) []finding.Finding {
	now := o.now()
	seen := make(map[string]struct{}, len(candidates))
	var survivors []finding.Finding

	for _, c := range candidates {
		f := o.normalizer.Normalize(c.raw, c.source)
		result.Normalized++

		scored, ok := st.scorer.Score(f, set)
		if !ok {
			continue
		}
		result.Matched++

		if scored.Confidence < cfg.ConfidenceThreshold {
			result.BelowThreshold++
			logger.Debug("Finding below confidence threshold",
				zap.String("finding_id", scored.ID),
				zap.Int("confidence", scored.Confidence),
				zap.Int("threshold", cfg.ConfidenceThreshold),
			)
			continue
		}

		if _, dup := seen[scored.ID]; dup {
			result.Duplicates++
			continue
		}
		seen[scored.ID] = struct{}{}

		fresh, err := o.store.CheckAndRecord(ctx, scored.ID, now)
		if err != nil {
			// fail open: a missed dedup check beats losing the alert
			result.StoreErrors++
			o.metrics.ObserveStoreError()
			logger.Warn("Dedup store unavailable, treating finding as new",
				zap.String("finding_id", scored.ID),
				zap.Error(err),
			)
			fresh = true
		}
		if !fresh {
			result.Duplicates++
			continue
		}
		result.AfterDedup++

		scored.Severity = st.classifier.Classify(scored)
		if o.tagger != nil {
			scored.Techniques = o.tagger.Tag(scored)
		}
		survivors = append(survivors, scored)
	}

	o.metrics.ObserveStage("normalized", result.Normalized)
	o.metrics.ObserveStage("matched", result.Matched)
	o.metrics.ObserveStage("below_threshold", result.BelowThreshold)
	o.metrics.ObserveStage("duplicate", result.Duplicates)
	o.metrics.ObserveStage("after_dedup", result.AfterDedup)

	logger.Info("Pipeline complete",
		zap.Int("normalized", result.Normalized),
		zap.Int("matched", result.Matched),
		zap.Int("below_threshold", result.BelowThreshold),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("after_dedup", result.AfterDedup),
	)
	return survivors
}

// capFindings keeps the top limit findings by severity, then confidence, then
// discovery time. The rest are listed as suppressed.
func (o *Orchestrator) capFindings(findings []finding.Finding, limit int, result *CycleResult) []finding.Finding {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.DiscoveredAt.Before(b.DiscoveredAt)
	})

	if len(findings) <= limit {
		return findings
	}

	for _, f := range findings[limit:] {
		result.Suppressed = append(result.Suppressed, SuppressedFinding{
			ID:            f.ID,
			Source:        f.Source,
			MatchedTarget: f.MatchedTarget,
			Confidence:    f.Confidence,
			Severity:      f.Severity,
			Reason:        ReasonCap,
		})
	}
	o.metrics.ObserveSuppressed(len(findings) - limit)
	return findings[:limit]
}

// dispatch hands each finding to the dispatcher. Failures are recorded, never
// raised.
func (o *Orchestrator) dispatch(ctx context.Context, findings []finding.Finding, result *CycleResult, logger *zap.Logger) {
	for _, f := range findings {
		delivery := o.dispatcher.Dispatch(ctx, f)
		result.Dispatched++

		var failed []string
		for _, sf := range delivery.Failures {
			failed = append(failed, sf.Sink)
		}
		o.metrics.ObserveDispatch(string(f.Severity), failed)

		if delivery.Delivered {
			result.Delivered++
		}
		if len(delivery.Failures) > 0 {
			result.DeliveryFailures = append(result.DeliveryFailures, DeliveryFailure{
				FindingID: f.ID,
				Failures:  delivery.Failures,
			})
		}
		if err := delivery.Err(); err != nil {
			logger.Warn("Alert not delivered", zap.String("finding_id", f.ID), zap.Error(err))
		}

		result.Alerts = append(result.Alerts, AlertSummary{
			ID:            f.ID,
			Source:        f.Source,
			URL:           f.URL,
			MatchedTarget: f.MatchedTarget,
			Confidence:    f.Confidence,
			Severity:      f.Severity,
			Techniques:    f.Techniques,
			Synthetic:     f.Synthetic,
			Delivered:     delivery.Delivered,
		})
	}
}

// record always runs: it stamps the finish time, persists the result,
// updates metrics and publishes it as latest.
func (o *Orchestrator) record(ctx context.Context, result *CycleResult, logger *zap.Logger) {
	result.FinishedAt = o.now().UTC()

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, result); err != nil {
			result.RecordError = err.Error()
			logger.Warn("Failed to record cycle", zap.Error(err))
		}
	}

	o.metrics.ObserveCycle(result.Duration(), result.Fallback, result.DedupRate(), result.FinishedAt)

	o.mu.Lock()
	o.latest = result
	o.mu.Unlock()

	logger.Info("Cycle finished",
		zap.Duration("duration", result.Duration()),
		zap.Int("candidates", result.TotalCandidates()),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("delivered", result.Delivered),
		zap.Int("suppressed", len(result.Suppressed)),
		zap.Float64("dedup_rate", result.DedupRate()),
		zap.Bool("fallback", result.Fallback),
	)
}
