package jobs

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arxiv-translate/internal/config"
	"arxiv-translate/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Data.BaseDir = t.TempDir()
	return NewService(cfg)
}

func persistFinishedJob(t *testing.T, s *Service, safeID, jobID string, status types.JobStatus, withOutputs bool) JobPaths {
	t.Helper()
	paths := BuildJobPaths(s.cfg.Data.BaseDir, safeID, jobID)
	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if withOutputs {
		for _, name := range []string{TranslatedPDFName, ProjectZipName} {
			os.WriteFile(filepath.Join(paths.OutputDir, name), []byte("content"), 0o644)
		}
		// Keep the cache path off the network.
		os.WriteFile(filepath.Join(paths.OutputDir, OriginalPDFName), []byte("%PDF"), 0o644)
	}
	j := &job{
		snap: types.JobSnapshot{
			JobID:       jobID,
			Status:      status,
			InputText:   "https://arxiv.org/abs/2301.00001",
			PaperID:     "2301.00001",
			CanonicalID: "2301.00001",
			CreatedAt:   types.NowISO(),
			UpdatedAt:   types.NowISO(),
			Meta:        map[string]any{"paper_title": "A Study"},
		},
		paths: paths,
	}
	j.persist()
	return paths
}

func TestBuildTaskName(t *testing.T) {
	if got := buildTaskName("2301.00001", "A Study"); got != "arXiv:2301.00001 · A Study" {
		t.Errorf("buildTaskName = %q", got)
	}
	if got := buildTaskName("2301.00001", ""); got != "arXiv:2301.00001" {
		t.Errorf("buildTaskName without title = %q", got)
	}
}

func TestOriginalPDFExternalURL(t *testing.T) {
	if got := originalPDFExternalURL("2301.00001v2"); got != "https://arxiv.org/pdf/2301.00001v2.pdf" {
		t.Errorf("originalPDFExternalURL = %q", got)
	}
	if got := originalPDFExternalURL("  "); got != "" {
		t.Errorf("blank paper id should yield empty url, got %q", got)
	}
}

func TestNormalizeStatusSet(t *testing.T) {
	got := normalizeStatusSet([]string{" Succeeded", "FAILED", "", "failed"})
	if len(got) != 2 || !got["succeeded"] || !got["failed"] {
		t.Errorf("normalizeStatusSet = %v", got)
	}

	if got := normalizeStatusSet(nil); len(got) != 1 || !got["succeeded"] {
		t.Errorf("empty input should default to succeeded, got %v", got)
	}
}

func TestFindArtifactURL(t *testing.T) {
	artifacts := []types.Artifact{
		{Name: "translate_zh.pdf", URL: "/static/a/translate_zh.pdf"},
		{Name: "project.zip", URL: "/static/a/project.zip"},
	}
	if got := findArtifactURL(artifacts, TranslatedPDFName); got != "/static/a/translate_zh.pdf" {
		t.Errorf("findArtifactURL = %q", got)
	}
	if got := findArtifactURL(artifacts, "missing.bin"); got != "" {
		t.Errorf("missing artifact should yield empty url, got %q", got)
	}
}

func TestCreateJobRejectsEmptyInput(t *testing.T) {
	s := newTestService(t)
	_, err := s.CreateJob(CreateRequest{InputText: "   "})
	if err == nil {
		t.Fatal("expected error for empty input")
	}
	if types.CodeOf(err) != types.ErrInvalidInput {
		t.Errorf("error code = %s", types.CodeOf(err))
	}
}

func TestCreateJobRejectsUnparseableInput(t *testing.T) {
	s := newTestService(t)
	if _, err := s.CreateJob(CreateRequest{InputText: "not an arxiv reference"}); err == nil {
		t.Fatal("expected error for unrecognized input")
	}
}

func TestCreateJobCacheHit(t *testing.T) {
	s := newTestService(t)
	persistFinishedJob(t, s, "2301.00001", "job-cached", types.JobSucceeded, true)

	snap, err := s.CreateJob(CreateRequest{
		InputText:  "https://arxiv.org/abs/2301.00001",
		AllowCache: true,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if snap.JobID != "job-cached" {
		t.Errorf("expected cached job, got %s", snap.JobID)
	}
	if hit, _ := snap.Meta["cache_hit"].(bool); !hit {
		t.Error("cache_hit meta not set")
	}
	if len(snap.Artifacts) == 0 {
		t.Error("cached snapshot should carry artifacts")
	}
}

func TestCreateJobCacheSkipsJobsWithoutOutputs(t *testing.T) {
	s := newTestService(t)
	persistFinishedJob(t, s, "2301.00001", "job-pruned", types.JobSucceeded, false)

	if cached := s.findCachedSuccess("2301.00001"); cached != nil {
		t.Error("succeeded job without outputs must not be a cache hit")
	}
}

func TestCreateJobCacheSkipsFailedJobs(t *testing.T) {
	s := newTestService(t)
	persistFinishedJob(t, s, "2301.00001", "job-failed", types.JobFailed, true)

	if cached := s.findCachedSuccess("2301.00001"); cached != nil {
		t.Error("failed job must not be a cache hit")
	}
}

func TestGetJobFromDisk(t *testing.T) {
	s := newTestService(t)
	persistFinishedJob(t, s, "2301.00001", "job-done", types.JobSucceeded, true)

	snap, err := s.GetJob("job-done")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if snap.Status != types.JobSucceeded {
		t.Errorf("Status = %s", snap.Status)
	}
	if len(snap.Artifacts) == 0 {
		t.Error("disk artifacts not attached")
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestService(t)
	if _, err := s.GetJob("nope"); types.CodeOf(err) != types.ErrNotFound {
		t.Errorf("error code = %s, want %s", types.CodeOf(err), types.ErrNotFound)
	}
}

func TestCancelJobEndsCancelledWithoutCompile(t *testing.T) {
	s := newTestService(t)
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		// Stall until the runner's context aborts the request.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	s.dl.SetBaseURL(srv.URL)

	snap, err := s.CreateJob(CreateRequest{InputText: "https://arxiv.org/abs/2301.00001"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	cancelled, err := s.CancelJob(snap.JobID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.Status != types.JobCancelled {
		t.Fatalf("Status = %s, want %s", cancelled.Status, types.JobCancelled)
	}

	// The runner must settle without flipping the status or starting a
	// compile attempt.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetJob(snap.JobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status != types.JobCancelled {
			t.Fatalf("status changed to %s after cancel", got.Status)
		}
		time.Sleep(25 * time.Millisecond)
	}

	final, err := s.GetJob(snap.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if n, _ := final.Meta["compile_attempts"].(int); n != 0 {
		t.Errorf("compile_attempts = %d, want 0", n)
	}
	for _, step := range final.Steps {
		if step.Key == "compile_try" {
			t.Error("compile attempted after cancellation")
		}
	}
}

func TestTerminalJobAbsorbsLateUpdates(t *testing.T) {
	s := newTestService(t)
	j := &job{snap: types.JobSnapshot{
		JobID:     "j1",
		Status:    types.JobCancelled,
		CreatedAt: types.NowISO(),
		UpdatedAt: types.NowISO(),
		Meta:      map[string]any{"compile_attempts": 0},
	}}

	s.step(j, "compile_try", types.StepRunning, "late")
	s.setMeta(j, "compile_attempts", 3)
	s.bumpMeta(j, "guard_fallback_chunks")

	if len(j.snap.Steps) != 0 {
		t.Error("step appended to a terminal job")
	}
	if n, _ := j.snap.Meta["compile_attempts"].(int); n != 0 {
		t.Errorf("compile_attempts = %d, want 0", n)
	}
	if _, ok := j.snap.Meta["guard_fallback_chunks"]; ok {
		t.Error("meta bumped on a terminal job")
	}
}

func TestCancelJobNotFound(t *testing.T) {
	s := newTestService(t)
	if _, err := s.CancelJob("nope"); types.CodeOf(err) != types.ErrNotFound {
		t.Errorf("error code = %s, want %s", types.CodeOf(err), types.ErrNotFound)
	}
}

func TestListJobsFiltersAndOrders(t *testing.T) {
	s := newTestService(t)
	persistFinishedJob(t, s, "2301.00001", "job-ok", types.JobSucceeded, true)
	persistFinishedJob(t, s, "2301.00002", "job-bad", types.JobFailed, false)

	rows, err := s.ListJobs(10, nil)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(rows) != 1 || rows[0].JobID != "job-ok" {
		t.Errorf("default filter should list only succeeded jobs, got %+v", rows)
	}
	if rows[0].TranslatedPDFURL == "" {
		t.Error("translated pdf url missing from history row")
	}
	if rows[0].TaskName == "" {
		t.Error("task name missing from history row")
	}

	rows, err = s.ListJobs(10, []string{"failed"})
	if err != nil {
		t.Fatalf("ListJobs failed filter: %v", err)
	}
	if len(rows) != 1 || rows[0].JobID != "job-bad" {
		t.Errorf("failed filter returned %+v", rows)
	}
}

func TestListJobsDropsPrunedSuccess(t *testing.T) {
	s := newTestService(t)
	persistFinishedJob(t, s, "2301.00001", "job-pruned", types.JobSucceeded, false)

	rows, err := s.ListJobs(10, nil)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("succeeded job without outputs must be dropped, got %+v", rows)
	}
}

func TestMakeHistoryRowFallsBackToExternalPDF(t *testing.T) {
	s := newTestService(t)
	snap := types.JobSnapshot{
		JobID:     "j1",
		Status:    types.JobFailed,
		PaperID:   "2301.00001",
		CreatedAt: types.NowISO(),
		UpdatedAt: types.NowISO(),
		Meta:      map[string]any{},
	}
	row, ok := s.makeHistoryRow(snap, nil)
	if !ok {
		t.Fatal("expected a row")
	}
	if row.OriginalPDFURL != "https://arxiv.org/pdf/2301.00001.pdf" {
		t.Errorf("OriginalPDFURL = %q", row.OriginalPDFURL)
	}
}
