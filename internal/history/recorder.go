// Package history persists one record per finished cycle.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/darkwatch/internal/engine"
)

// Backend names.
const (
	BackendNone = "none"
	BackendFile = "file"
	BackendS3   = "s3"
)

// ErrUnknownBackend is returned for an unrecognized backend name.
var ErrUnknownBackend = errors.New("unknown history backend")

// Config selects where cycle results are written. Several backends may be
// enabled at once.
type Config struct {
	Backends []string `yaml:"backends"`
	FilePath string   `yaml:"file_path"`
	S3       S3Config `yaml:"s3"`
}

// DefaultConfig writes JSON lines next to the working directory.
func DefaultConfig() Config {
	return Config{
		Backends: []string{BackendFile},
		FilePath: "data/cycles.jsonl",
		S3: S3Config{
			Prefix: "darkwatch/cycles",
		},
	}
}

// Multi fans one result out to several recorders and joins their errors.
type Multi []engine.Recorder

// Record writes r to every recorder.
func (m Multi) Record(ctx context.Context, r *engine.CycleResult) error {
	var errs []error
	for _, rec := range m {
		if err := rec.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the configured recorders. It returns nil when nothing is enabled.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (engine.Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var recorders Multi
	for _, backend := range cfg.Backends {
		switch backend {
		case BackendNone, "":
		case BackendFile:
			recorders = append(recorders, NewFileRecorder(cfg.FilePath))
		case BackendS3:
			rec, err := NewS3Recorder(ctx, cfg.S3)
			if err != nil {
				return nil, fmt.Errorf("creating s3 recorder: %w", err)
			}
			recorders = append(recorders, rec)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
		}
		logger.Info("Cycle history enabled", zap.String("backend", backend))
	}

	switch len(recorders) {
	case 0:
		return nil, nil
	case 1:
		return recorders[0], nil
	default:
		return recorders, nil
	}
}
