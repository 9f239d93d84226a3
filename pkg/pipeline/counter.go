package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vyvo/appbuilder/pkg/builder"
)

// CounterStore persists, per project, the number of successful builds and the
// last build number issued.
type CounterStore interface {
	Load(ctx context.Context, project string) (builder.CounterState, error)
	Save(ctx context.Context, project string, state builder.CounterState) error
}

// FileCounterStore keeps counters in a JSON object on disk.
type FileCounterStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCounterStore(path string) *FileCounterStore {
	return &FileCounterStore{path: path}
}

func (s *FileCounterStore) Load(_ context.Context, project string) (builder.CounterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, err := s.read()
	if err != nil {
		return builder.CounterState{}, err
	}
	return counters[project], nil
}

func (s *FileCounterStore) Save(_ context.Context, project string, state builder.CounterState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, err := s.read()
	if err != nil {
		return err
	}
	counters[project] = state
	return s.write(counters)
}

func (s *FileCounterStore) read() (map[string]builder.CounterState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]builder.CounterState{}, nil
		}
		return nil, err
	}
	var counters map[string]builder.CounterState
	if len(data) > 0 {
		if err := json.Unmarshal(data, &counters); err != nil {
			return nil, fmt.Errorf("decode counters %s: %w", s.path, err)
		}
	}
	// A file holding "null" decodes to a nil map.
	if counters == nil {
		counters = map[string]builder.CounterState{}
	}
	return counters, nil
}

func (s *FileCounterStore) write(counters map[string]builder.CounterState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(counters, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
