package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lvonguyen/darkwatch/internal/engine"
)

// FileRecorder appends one JSON document per line.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

// NewFileRecorder creates a recorder writing to path. Parent directories are
// created on first write.
func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{path: path}
}

// Record appends r to the file.
func (f *FileRecorder) Record(_ context.Context, r *engine.CycleResult) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding cycle result: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest results, newest first. Lines that do
// not decode are skipped.
func (f *FileRecorder) Recent(n int) ([]*engine.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening history file: %w", err)
	}
	defer file.Close()

	var all []*engine.CycleResult
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var r engine.CycleResult
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}

	out := make([]*engine.CycleResult, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
