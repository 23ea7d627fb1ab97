package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/synthesis-cli/internal/model"
)

// MemoryStore keeps everything in process memory. Used by tests and the
// "memory" driver.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*model.AnalysisRun
	artifacts map[string]map[string][]byte
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*model.AnalysisRun),
		artifacts: make(map[string]map[string][]byte),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) Create(_ context.Context, run *model.AnalysisRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return eris.Wrapf(ErrExists, "memory: %s", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, runID string, stage model.StageName, status model.StageState, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: run %s", runID)
	}
	next := run.Clone()
	if err := applyUpdate(next, stage, status, message, now()); err != nil {
		return err
	}
	s.runs[runID] = next
	return nil
}

func (s *MemoryStore) SetResult(_ context.Context, runID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: run %s", runID)
	}
	run.ResultRef = ref
	run.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) Read(_ context.Context, runID string) (*model.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: run %s", runID)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, runID, key string, data []byte) error {
	if err := validateKey(runID, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifacts[runID] == nil {
		s.artifacts[runID] = make(map[string][]byte)
	}
	s.artifacts[runID][key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[runID][key]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: %s/%s", runID, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Keys(_ context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.artifacts[runID]))
	for k := range s.artifacts[runID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) List(_ context.Context, filter RunFilter) ([]model.RunSummary, error) {
	s.mu.RLock()
	all := make([]model.RunSummary, 0, len(s.runs))
	for _, run := range s.runs {
		all = append(all, run.Summarize())
	}
	s.mu.RUnlock()
	return filterSummaries(all, filter), nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hasRun := s.runs[runID]
	_, hasArtifacts := s.artifacts[runID]
	if !hasRun && !hasArtifacts {
		return eris.Wrapf(ErrNotFound, "memory: run %s", runID)
	}
	delete(s.runs, runID)
	delete(s.artifacts, runID)
	return nil
}

// filterSummaries applies a RunFilter to an unordered slice: newest first,
// then offset and limit.
func filterSummaries(all []model.RunSummary, filter RunFilter) []model.RunSummary {
	out := all[:0]
	for _, sum := range all {
		if filter.Status != "" && sum.Status != filter.Status {
			continue
		}
		if filter.Strategy != "" && sum.Strategy != filter.Strategy {
			continue
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return []model.RunSummary{}
	}
	out = out[filter.Offset:]
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out
}
