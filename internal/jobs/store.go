package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/types"
)

// job is the in-memory record of a running or recently finished job. snap is
// the externally visible state; the rest is runtime bookkeeping.
type job struct {
	mu              sync.Mutex
	snap            types.JobSnapshot
	paths           JobPaths
	cancel          func()
	cancelRequested bool
}

// snapshot returns a deep copy safe to hand out while the runner keeps
// mutating the job.
func (j *job) snapshot() types.JobSnapshot {
	out := j.snap
	out.Steps = append([]types.Step(nil), j.snap.Steps...)
	out.Artifacts = append([]types.Artifact(nil), j.snap.Artifacts...)
	out.Meta = make(map[string]any, len(j.snap.Meta))
	for k, v := range j.snap.Meta {
		out.Meta[k] = v
	}
	return out
}

// appendStep records a progress step. Steps are append only; a phase that
// starts and finishes emits two steps with the same key.
func (j *job) appendStep(key string, status types.StepStatus, message string) {
	j.snap.Steps = append(j.snap.Steps, types.Step{
		StepID:  fmt.Sprintf("s%d", len(j.snap.Steps)+1),
		Key:     key,
		Status:  status,
		Message: message,
		At:      types.NowISO(),
	})
	j.snap.UpdatedAt = types.NowISO()
}

// persist mirrors the snapshot to job.json. Persistence failures are logged,
// not fatal: a running job should not die because one write was lost.
func (j *job) persist() {
	if j.paths.JobJSON == "" {
		return
	}
	payload, err := json.MarshalIndent(j.snap, "", "  ")
	if err != nil {
		logger.Warn("failed to encode job state", logger.String("jobID", j.snap.JobID), logger.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(j.paths.JobJSON), 0o755); err != nil {
		logger.Warn("failed to create job directory", logger.String("jobID", j.snap.JobID), logger.Err(err))
		return
	}
	if err := os.WriteFile(j.paths.JobJSON, payload, 0o644); err != nil {
		logger.Warn("failed to persist job state", logger.String("jobID", j.snap.JobID), logger.Err(err))
	}
}

// store keeps live jobs by id.
type store struct {
	mu   sync.RWMutex
	jobs map[string]*job
}

func newStore() *store {
	return &store{jobs: make(map[string]*job)}
}

func (s *store) put(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.snap.JobID] = j
}

func (s *store) get(jobID string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

func (s *store) all() []*job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// loadDiskSnapshot reads and sanity-checks a job.json. Incomplete payloads
// from interrupted writes return nil.
func loadDiskSnapshot(jobJSONPath string) *types.JobSnapshot {
	data, err := os.ReadFile(jobJSONPath)
	if err != nil {
		return nil
	}
	var snap types.JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	if snap.JobID == "" || snap.Status == "" || snap.CreatedAt == "" || snap.UpdatedAt == "" {
		return nil
	}
	if snap.Meta == nil {
		snap.Meta = map[string]any{}
	}
	return &snap
}

// pathsFromJobJSON reconstructs the JobPaths of a persisted job from its
// job.json location: <base>/<safe-id>/<job-id>/job.json.
func pathsFromJobJSON(baseDir, jobJSONPath string) (JobPaths, bool) {
	jobRoot := filepath.Dir(jobJSONPath)
	safeID := filepath.Base(filepath.Dir(jobRoot))
	jobID := filepath.Base(jobRoot)
	if safeID == "" || jobID == "" || safeID == "." || jobID == "." {
		return JobPaths{}, false
	}
	return BuildJobPaths(baseDir, safeID, jobID), true
}

// diskJobFiles lists every job.json under baseDir, newest modification first.
func diskJobFiles(baseDir string) []string {
	return sortedByModTime(filepath.Join(baseDir, "*", "*", "job.json"))
}

// sortedByModTime globs pattern and orders matches newest first.
func sortedByModTime(pattern string) []string {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Slice(matches, func(i, k int) bool {
		mi, erri := os.Stat(matches[i])
		mk, errk := os.Stat(matches[k])
		if erri != nil || errk != nil {
			return erri == nil
		}
		return mi.ModTime().After(mk.ModTime())
	})
	return matches
}
