package builder

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for build ids the store has never seen.
	ErrNotFound = errors.New("build not found")
	// ErrCompleted is returned when appending to a build that already finished.
	ErrCompleted = errors.New("build already completed")
	// ErrDuplicate is returned when a build id is registered twice.
	ErrDuplicate = errors.New("build id already registered")
)

type buildRecord struct {
	build   Build
	logs    []LogRecord
	changed chan struct{}
}

// MemStore keeps build records, their log buffers and the request history in
// memory. A single writer appends to a build while any number of readers
// follow it through Since.
type MemStore struct {
	mu      sync.RWMutex
	items   map[string]*buildRecord
	history map[string]BuildRequest
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:   make(map[string]*buildRecord),
		history: make(map[string]BuildRequest),
	}
}

// Create registers a new running build for id.
func (s *MemStore) Create(id string, req BuildRequest) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; ok {
		return Build{}, ErrDuplicate
	}
	now := time.Now().UTC()
	rec := &buildRecord{
		build: Build{
			ID:        id,
			Request:   req,
			Status:    StatusRunning,
			Stage:     StageIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
		changed: make(chan struct{}),
	}
	s.items[id] = rec
	s.history[id] = req
	return rec.build, nil
}

// Has reports whether id has ever been registered.
func (s *MemStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

// Request resolves the request that originated a build.
func (s *MemStore) Request(id string) (BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.history[id]
	if !ok {
		return BuildRequest{}, ErrNotFound
	}
	return req, nil
}

// SetStage records the pipeline state the build is currently in.
func (s *MemStore) SetStage(id string, stage Stage, variant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	rec.build.Stage = stage
	rec.build.Variant = variant
	rec.build.UpdatedAt = time.Now().UTC()
	return nil
}

// AddArtifact records a published artifact path for the build.
func (s *MemStore) AddArtifact(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	rec.build.Artifacts = append(rec.build.Artifacts, path)
	rec.build.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendLog adds a record to the end of the build's log buffer and wakes
// every reader waiting on it.
func (s *MemStore) AppendLog(id string, entry LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if rec.build.Completed {
		return ErrCompleted
	}
	rec.logs = append(rec.logs, entry)
	s.broadcast(rec)
	return nil
}

// Complete marks the build finished. It is idempotent: only the first call
// changes the record.
func (s *MemStore) Complete(id string, status Status, errMsg string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	if rec.build.Completed {
		return rec.build, nil
	}
	now := time.Now().UTC()
	rec.build.Status = status
	rec.build.Error = errMsg
	rec.build.Completed = true
	rec.build.UpdatedAt = now
	rec.build.FinishedAt = now
	s.broadcast(rec)
	return rec.build, nil
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	b := rec.build
	b.Artifacts = slices.Clone(rec.build.Artifacts)
	return b, nil
}

// List returns all builds, newest first.
func (s *MemStore) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Logs returns a copy of the full log buffer.
func (s *MemStore) Logs(id string) ([]LogRecord, error) {
	logs, _, _, err := s.Since(id, 0)
	return logs, err
}

// Since returns the records appended after offset, whether the build has
// completed, and a channel that is closed on the next append or completion.
// All three are read under one lock, so a reader that waits on the returned
// channel cannot miss a change made after its read.
func (s *MemStore) Since(id string, offset int) ([]LogRecord, bool, <-chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, false, nil, ErrNotFound
	}
	if offset < 0 {
		offset = 0
	}
	var out []LogRecord
	if offset < len(rec.logs) {
		out = slices.Clone(rec.logs[offset:])
	}
	return out, rec.build.Completed, rec.changed, nil
}

// broadcast must be called with s.mu held for writing.
func (s *MemStore) broadcast(rec *buildRecord) {
	close(rec.changed)
	rec.changed = make(chan struct{})
}
