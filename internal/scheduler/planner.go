package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/darkwatch/internal/classification"
	"github.com/lvonguyen/darkwatch/internal/config"
	"github.com/lvonguyen/darkwatch/internal/engine"
	"github.com/lvonguyen/darkwatch/internal/matching"
	"github.com/lvonguyen/darkwatch/internal/sources"
	"github.com/lvonguyen/darkwatch/internal/targets"
)

// FilePlanner re-reads the configuration and targets files at every cycle
// boundary. Matching, classification and dedup retention settings are rebuilt
// from each reload. When a reload fails the last good snapshot is reused.
type FilePlanner struct {
	configPath string
	logger     *zap.Logger

	// NewRegistry builds the adapter registry from the adapter settings.
	NewRegistry func(sources.Config) *sources.Registry

	mu      sync.RWMutex
	config  *config.Config
	targets *targets.Set
	last    *Snapshot
}

// NewFilePlanner creates a planner. An empty configPath means defaults.
func NewFilePlanner(configPath string, logger *zap.Logger) *FilePlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilePlanner{
		configPath:  configPath,
		logger:      logger.Named("planner"),
		NewRegistry: sources.NewDefaultRegistry,
	}
}

// Next loads a fresh snapshot.
func (p *FilePlanner) Next(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	cfg, set, err := p.load()
	if err != nil {
		p.mu.RLock()
		last := p.last
		p.mu.RUnlock()
		if last == nil {
			return Snapshot{}, err
		}
		p.logger.Warn("Reload failed, reusing previous configuration", zap.Error(err))
		return *last, nil
	}

	enabled := cfg.EnabledSources()
	srcs, err := p.NewRegistry(cfg.Sources.Adapters).Build(enabled, set)
	if err != nil {
		p.logger.Warn("Some sources are unavailable this cycle", zap.Error(err))
	}

	snap := Snapshot{
		Plan: engine.Plan{
			Targets: set,
			Sources: srcs,
			Config:  cfg.EngineConfig(),

			Scorer:     matching.NewEngine(cfg.Matching),
			Classifier: classification.NewClassifier(cfg.Classification),
		},
		Interval: cfg.Monitor.Interval,
	}

	p.mu.Lock()
	p.config = cfg
	p.targets = set
	p.last = &snap
	p.mu.Unlock()

	p.logger.Debug("Configuration loaded",
		zap.Int("targets", set.Len()),
		zap.Strings("sources_enabled", enabled),
		zap.Int("sources_built", len(srcs)),
	)
	return snap, nil
}

func (p *FilePlanner) load() (*config.Config, *targets.Set, error) {
	cfg := config.DefaultConfig()
	if p.configPath != "" {
		var err error
		cfg, err = config.Load(p.configPath)
		if err != nil {
			return nil, nil, err
		}
	}

	set, err := targets.Load(cfg.TargetsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading targets: %w", err)
	}
	return cfg, set, nil
}

// Config returns the last loaded configuration, or nil.
func (p *FilePlanner) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Targets returns the last loaded watch targets, or nil.
func (p *FilePlanner) Targets() *targets.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.targets
}
