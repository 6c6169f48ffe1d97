package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"arxiv-translate/internal/arxiv"
	"arxiv-translate/internal/config"
	"arxiv-translate/internal/downloader"
	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/types"
)

// Artifact file names under a job's output directory.
const (
	TranslatedPDFName = "translate_zh.pdf"
	ProjectZipName    = "project.zip"
	CompileLogName    = "compile.log"
	OriginalPDFName   = "original.pdf"
)

// CreateRequest describes a new translation job. Zero fields fall back to
// the service configuration.
type CreateRequest struct {
	InputText       string
	Model           string
	TargetLanguage  string
	ExtraPrompt     string
	APIKey          string
	BaseURL         string
	Concurrency     int
	ChunkMaxTokens  int
	MaxCompileTries int
	// AllowCache reuses the newest succeeded job for the same paper instead
	// of starting a fresh one.
	AllowCache bool
}

// HistoryRow is the list view of a job, enriched with quick-access URLs.
type HistoryRow struct {
	JobID            string           `json:"job_id"`
	Status           types.JobStatus  `json:"status"`
	InputText        string           `json:"input_text"`
	PaperID          string           `json:"paper_id,omitempty"`
	CanonicalID      string           `json:"canonical_id,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
	TaskName         string           `json:"task_name"`
	PaperTitle       string           `json:"paper_title,omitempty"`
	OriginalPDFURL   string           `json:"original_pdf_url,omitempty"`
	TranslatedPDFURL string           `json:"translated_pdf_url,omitempty"`
	Artifacts        []types.Artifact `json:"artifacts"`
}

// Service owns the job store and runs the translation pipeline.
type Service struct {
	cfg   *config.Config
	store *store
	dl    *downloader.Downloader
}

// NewService builds a Service. The downloader honors the configured download
// timeout for both source archives and original PDFs.
func NewService(cfg *config.Config) *Service {
	return &Service{
		cfg:   cfg,
		store: newStore(),
		dl:    downloader.New(cfg.DownloadTimeout()),
	}
}

func buildTaskName(paperID, title string) string {
	if title != "" {
		return fmt.Sprintf("arXiv:%s · %s", paperID, title)
	}
	return "arXiv:" + paperID
}

func originalPDFExternalURL(paperID string) string {
	pid := strings.TrimSpace(paperID)
	if pid == "" {
		return ""
	}
	return "https://arxiv.org/pdf/" + pid + ".pdf"
}

// CreateJob resolves the input, optionally returns a cached success, and
// otherwise queues a new job and starts its runner goroutine. The returned
// snapshot is the queued state, or the cached terminal state on a hit.
func (s *Service) CreateJob(req CreateRequest) (types.JobSnapshot, error) {
	inputText := strings.TrimSpace(req.InputText)
	if inputText == "" {
		return types.JobSnapshot{}, types.NewAppError(types.ErrInvalidInput, "输入不能为空", nil)
	}

	paperID, canonicalID, err := arxiv.ResolveInput(inputText)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	safeID := arxiv.SafeID(canonicalID)

	if req.AllowCache {
		if cached := s.findCachedSuccess(safeID); cached != nil {
			logger.Info("job cache hit",
				logger.String("canonicalID", canonicalID), logger.String("jobID", cached.JobID))
			return *cached, nil
		}
	}

	chunkMaxTokens := req.ChunkMaxTokens
	if chunkMaxTokens <= 0 {
		chunkMaxTokens = s.cfg.Translate.ChunkMaxTokens
	}
	if chunkMaxTokens < config.MinChunkMaxTokens {
		chunkMaxTokens = config.MinChunkMaxTokens
	}
	maxCompileTries := req.MaxCompileTries
	if maxCompileTries <= 0 {
		maxCompileTries = s.cfg.Compile.MaxTries
	}
	if maxCompileTries > config.MaxCompileTries {
		maxCompileTries = config.MaxCompileTries
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.OpenAI.Model
	}
	targetLanguage := strings.TrimSpace(req.TargetLanguage)
	if targetLanguage == "" {
		targetLanguage = s.cfg.Translate.TargetLanguage
	}

	jobID := uuid.New().String()
	j := &job{
		snap: types.JobSnapshot{
			JobID:       jobID,
			Status:      types.JobQueued,
			InputText:   inputText,
			PaperID:     paperID,
			CanonicalID: canonicalID,
			CreatedAt:   types.NowISO(),
			UpdatedAt:   types.NowISO(),
			Meta: map[string]any{
				"model":                 model,
				"target_language":       targetLanguage,
				"paper_title":           "",
				"task_name":             buildTaskName(paperID, ""),
				"translated_chunks":     0,
				"total_chunks":          0,
				"chunk_max_tokens":      chunkMaxTokens,
				"max_compile_tries":     maxCompileTries,
				"compile_attempts":      0,
				"guard_fallback_chunks": 0,
			},
		},
		paths: BuildJobPaths(s.cfg.Data.BaseDir, safeID, jobID),
	}

	j.appendStep("queued", types.StepDone, "任务已创建：arXiv:"+paperID)
	if err := j.paths.EnsureDirs(); err != nil {
		return types.JobSnapshot{}, err
	}
	j.persist()
	s.store.put(j)

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	go s.runJob(ctx, j, runParams{
		model:           model,
		targetLanguage:  targetLanguage,
		extraPrompt:     strings.TrimSpace(req.ExtraPrompt),
		apiKey:          strings.TrimSpace(req.APIKey),
		baseURL:         strings.TrimSpace(req.BaseURL),
		concurrency:     req.Concurrency,
		chunkMaxTokens:  chunkMaxTokens,
		maxCompileTries: maxCompileTries,
	})

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), nil
}

// GetJob returns the live snapshot when the job is in memory, otherwise the
// persisted one. Disk is scanned so finished jobs survive restarts.
func (s *Service) GetJob(jobID string) (types.JobSnapshot, error) {
	if j, ok := s.store.get(jobID); ok {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.snapshot(), nil
	}
	if snap := s.loadSnapshotFromDisk(jobID); snap != nil {
		return *snap, nil
	}
	return types.JobSnapshot{}, types.NewAppErrorWithDetails(types.ErrNotFound, "job not found", jobID, nil)
}

// CancelJob requests cancellation and marks the job cancelled immediately.
// The runner observes the context and stops at the next checkpoint; a job
// already terminal is returned unchanged.
func (s *Service) CancelJob(jobID string) (types.JobSnapshot, error) {
	j, ok := s.store.get(jobID)
	if !ok {
		return types.JobSnapshot{}, types.NewAppErrorWithDetails(types.ErrNotFound, "job not found", jobID, nil)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.Status.Terminal() {
		return j.snapshot(), nil
	}
	j.cancelRequested = true
	if j.cancel != nil {
		j.cancel()
	}
	j.snap.Status = types.JobCancelled
	j.appendStep("cancel", types.StepDone, "用户取消任务。")
	j.persist()
	return j.snapshot(), nil
}

func normalizeStatusSet(statuses []string) map[string]bool {
	out := map[string]bool{}
	for _, s := range statuses {
		norm := strings.ToLower(strings.TrimSpace(s))
		if norm != "" {
			out[norm] = true
		}
	}
	if len(out) == 0 {
		out[string(types.JobSucceeded)] = true
	}
	return out
}

// ListJobs merges persisted history with live jobs, newest update first.
// Live state wins over a stale disk mirror of the same job.
func (s *Service) ListJobs(limit int, statuses []string) ([]HistoryRow, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	allowed := normalizeStatusSet(statuses)

	rowsByID := map[string]HistoryRow{}
	for _, jobJSON := range diskJobFiles(s.cfg.Data.BaseDir) {
		snap := loadDiskSnapshot(jobJSON)
		if snap == nil || !allowed[strings.ToLower(string(snap.Status))] {
			continue
		}
		paths, ok := pathsFromJobJSON(s.cfg.Data.BaseDir, jobJSON)
		var pp *JobPaths
		if ok {
			pp = &paths
		}
		if row, ok := s.makeHistoryRow(*snap, pp); ok {
			rowsByID[row.JobID] = row
		}
	}

	for _, j := range s.store.all() {
		j.mu.Lock()
		snap := j.snapshot()
		paths := j.paths
		j.mu.Unlock()

		if !allowed[strings.ToLower(string(snap.Status))] {
			continue
		}
		row, ok := s.makeHistoryRow(snap, &paths)
		if !ok {
			continue
		}
		if prev, exists := rowsByID[row.JobID]; !exists || row.UpdatedAt >= prev.UpdatedAt {
			rowsByID[row.JobID] = row
		}
	}

	rows := make([]HistoryRow, 0, len(rowsByID))
	for _, row := range rowsByID {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, k int) bool { return rows[i].UpdatedAt > rows[k].UpdatedAt })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func findArtifactURL(artifacts []types.Artifact, name string) string {
	for _, art := range artifacts {
		if art.Name == name {
			return art.URL
		}
	}
	return ""
}

func (s *Service) makeHistoryRow(snap types.JobSnapshot, paths *JobPaths) (HistoryRow, bool) {
	if snap.Status == "" || snap.JobID == "" {
		return HistoryRow{}, false
	}

	paperID := snap.PaperID
	if paperID == "" {
		paperID = snap.CanonicalID
	}
	title, _ := snap.Meta["paper_title"].(string)
	taskName, _ := snap.Meta["task_name"].(string)
	if taskName == "" {
		taskName = buildTaskName(paperID, title)
	}

	var artifacts []types.Artifact
	if paths != nil {
		artifacts = s.buildOutputArtifacts(*paths)
	}
	if len(artifacts) == 0 {
		artifacts = snap.Artifacts
	}
	if len(artifacts) == 0 && snap.Status == types.JobSucceeded {
		// succeeded but outputs were pruned from disk, not worth listing
		return HistoryRow{}, false
	}

	originalURL, _ := snap.Meta["original_pdf_url"].(string)
	if paths != nil {
		if art := s.existingArtifact(*paths, OriginalPDFName); art != nil {
			originalURL = art.URL
		}
	}
	if originalURL == "" {
		originalURL = originalPDFExternalURL(paperID)
	}

	return HistoryRow{
		JobID:            snap.JobID,
		Status:           snap.Status,
		InputText:        snap.InputText,
		PaperID:          snap.PaperID,
		CanonicalID:      snap.CanonicalID,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        snap.UpdatedAt,
		TaskName:         taskName,
		PaperTitle:       title,
		OriginalPDFURL:   originalURL,
		TranslatedPDFURL: findArtifactURL(artifacts, TranslatedPDFName),
		Artifacts:        artifacts,
	}, true
}

// findCachedSuccess scans persisted jobs for the same paper and returns the
// newest succeeded one that still has its outputs on disk.
func (s *Service) findCachedSuccess(safeID string) *types.JobSnapshot {
	pattern := BuildJobPaths(s.cfg.Data.BaseDir, safeID, "*").JobJSON
	matches := sortedByModTime(pattern)

	for _, jobJSON := range matches {
		snap := loadDiskSnapshot(jobJSON)
		if snap == nil || snap.Status != types.JobSucceeded {
			continue
		}
		paths, ok := pathsFromJobJSON(s.cfg.Data.BaseDir, jobJSON)
		if !ok {
			continue
		}
		artifacts := s.buildOutputArtifacts(paths)
		if len(artifacts) == 0 {
			artifacts = snap.Artifacts
		}
		if len(artifacts) == 0 {
			continue
		}
		snap.Artifacts = artifacts
		if snap.Meta == nil {
			snap.Meta = map[string]any{}
		}
		snap.Meta["cache_hit"] = true

		paperID := snap.PaperID
		if paperID == "" {
			paperID = snap.CanonicalID
		}
		if art := s.ensureOriginalPDF(context.Background(), paths, paperID); art != nil {
			snap.Meta["original_pdf_url"] = art.URL
		} else if _, ok := snap.Meta["original_pdf_url"]; !ok {
			snap.Meta["original_pdf_url"] = originalPDFExternalURL(paperID)
		}
		if _, ok := snap.Meta["task_name"]; !ok {
			title, _ := snap.Meta["paper_title"].(string)
			snap.Meta["task_name"] = buildTaskName(paperID, title)
		}
		return snap
	}
	return nil
}

func (s *Service) loadSnapshotFromDisk(jobID string) *types.JobSnapshot {
	for _, jobJSON := range diskJobFiles(s.cfg.Data.BaseDir) {
		snap := loadDiskSnapshot(jobJSON)
		if snap == nil || snap.JobID != jobID {
			continue
		}
		if paths, ok := pathsFromJobJSON(s.cfg.Data.BaseDir, jobJSON); ok {
			if artifacts := s.buildOutputArtifacts(paths); len(artifacts) > 0 {
				snap.Artifacts = artifacts
			}
		}
		return snap
	}
	return nil
}
