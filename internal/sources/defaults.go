package sources

import "github.com/lvonguyen/darkwatch/internal/targets"

// Config holds per-adapter settings.
type Config struct {
	RSS     RSSConfig     `yaml:"rss"`
	Ahmia   AhmiaConfig   `yaml:"ahmia"`
	GitHub  GitHubConfig  `yaml:"github"`
	HIBP    HIBPConfig    `yaml:"hibp"`
	URLhaus URLhausConfig `yaml:"urlhaus"`
	OTX     OTXConfig     `yaml:"otx"`
}

// DefaultConfig returns defaults for every adapter.
func DefaultConfig() Config {
	return Config{
		RSS:     DefaultRSSConfig(),
		Ahmia:   DefaultAhmiaConfig(),
		GitHub:  DefaultGitHubConfig(),
		HIBP:    DefaultHIBPConfig(),
		URLhaus: DefaultURLhausConfig(),
		OTX:     DefaultOTXConfig(),
	}
}

// NewDefaultRegistry registers every built-in adapter.
func NewDefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	r.Register("rss", func(*targets.Set) (Source, error) {
		return NewRSSSource(cfg.RSS)
	})
	r.Register("ahmia", func(set *targets.Set) (Source, error) {
		return NewAhmiaSource(cfg.Ahmia, set)
	})
	r.Register("github", func(set *targets.Set) (Source, error) {
		return NewGitHubSource(cfg.GitHub, set)
	})
	r.Register("hibp", func(set *targets.Set) (Source, error) {
		return NewHIBPSource(cfg.HIBP, set)
	})
	r.Register("urlhaus", func(set *targets.Set) (Source, error) {
		return NewURLhausSource(cfg.URLhaus, set)
	})
	r.Register("otx", func(set *targets.Set) (Source, error) {
		return NewOTXSource(cfg.OTX, set)
	})
	r.Register(SyntheticName, func(set *targets.Set) (Source, error) {
		return NewSyntheticSource(set), nil
	})
	return r
}
