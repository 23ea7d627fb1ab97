package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/sells-group/synthesis-cli/internal/model"
)

const runFile = "run.json"

// FileStore keeps one directory per run: run.json for the tracker record
// and <key>.json per artifact. Writes go through a uniquely named temp file
// and a rename. Each run has its own lock.
type FileStore struct {
	fs    afero.Fs
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFile creates a FileStore rooted at root on fs.
func NewFile(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: root, locks: make(map[string]*sync.Mutex)}
}

func (s *FileStore) lock(runID string) func() {
	s.mu.Lock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// NewOSFile creates a FileStore on the local filesystem.
func NewOSFile(root string) *FileStore {
	return NewFile(afero.NewOsFs(), root)
}

func (s *FileStore) Migrate(context.Context) error {
	return eris.Wrap(s.fs.MkdirAll(s.root, 0o755), "file: create root")
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) runDir(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", eris.Errorf("file: invalid run id %q", runID)
	}
	return path.Join(s.root, runID), nil
}

func (s *FileStore) writeAtomic(name string, data []byte) error {
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return eris.Wrapf(err, "file: mkdir %s", path.Dir(name))
	}
	f, err := afero.TempFile(s.fs, path.Dir(name), path.Base(name)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "file: create temp for %s", name)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return eris.Wrapf(err, "file: write %s", tmp)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return eris.Wrapf(err, "file: close %s", tmp)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return eris.Wrapf(err, "file: rename %s", name)
	}
	return nil
}

func (s *FileStore) readRun(runID string) (*model.AnalysisRun, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path.Join(dir, runFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "file: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "file: read run %s", runID)
	}
	var run model.AnalysisRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, eris.Wrapf(err, "file: unmarshal run %s", runID)
	}
	return &run, nil
}

func (s *FileStore) writeRun(run *model.AnalysisRun) error {
	dir, err := s.runDir(run.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return eris.Wrap(err, "file: marshal run")
	}
	return s.writeAtomic(path.Join(dir, runFile), data)
}

func (s *FileStore) Create(_ context.Context, run *model.AnalysisRun) error {
	defer s.lock(run.ID)()
	if _, err := s.readRun(run.ID); err == nil {
		return eris.Wrapf(ErrExists, "file: %s", run.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.writeRun(run)
}

func (s *FileStore) Update(_ context.Context, runID string, stage model.StageName, status model.StageState, message string) error {
	defer s.lock(runID)()
	run, err := s.readRun(runID)
	if err != nil {
		return err
	}
	if err := applyUpdate(run, stage, status, message, now()); err != nil {
		return err
	}
	return s.writeRun(run)
}

func (s *FileStore) SetResult(_ context.Context, runID, ref string) error {
	defer s.lock(runID)()
	run, err := s.readRun(runID)
	if err != nil {
		return err
	}
	run.ResultRef = ref
	run.UpdatedAt = now()
	return s.writeRun(run)
}

func (s *FileStore) Read(_ context.Context, runID string) (*model.AnalysisRun, error) {
	defer s.lock(runID)()
	return s.readRun(runID)
}

func (s *FileStore) artifactPath(runID, key string) (string, error) {
	if err := validateKey(runID, key); err != nil {
		return "", err
	}
	if key+".json" == runFile {
		return "", eris.Errorf("file: artifact key %q is reserved", key)
	}
	dir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	return path.Join(dir, key+".json"), nil
}

func (s *FileStore) Save(_ context.Context, runID, key string, data []byte) error {
	name, err := s.artifactPath(runID, key)
	if err != nil {
		return err
	}
	defer s.lock(runID)()
	return s.writeAtomic(name, data)
}

func (s *FileStore) Load(_ context.Context, runID, key string) ([]byte, error) {
	name, err := s.artifactPath(runID, key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "file: %s/%s", runID, key)
	}
	return data, eris.Wrapf(err, "file: read %s/%s", runID, key)
}

func (s *FileStore) Keys(_ context.Context, runID string) ([]string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "file: list %s", runID)
	}
	keys := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == runFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) List(_ context.Context, filter RunFilter) ([]model.RunSummary, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if errors.Is(err, os.ErrNotExist) {
		return []model.RunSummary{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "file: list runs")
	}

	var all []model.RunSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		unlock := s.lock(e.Name())
		run, err := s.readRun(e.Name())
		unlock()
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, run.Summarize())
	}
	return filterSummaries(all, filter), nil
}

func (s *FileStore) Delete(_ context.Context, runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	defer s.lock(runID)()
	if ok, err := afero.DirExists(s.fs, dir); err != nil {
		return eris.Wrapf(err, "file: stat %s", runID)
	} else if !ok {
		return eris.Wrapf(ErrNotFound, "file: run %s", runID)
	}
	return eris.Wrapf(s.fs.RemoveAll(dir), "file: delete %s", runID)
}
