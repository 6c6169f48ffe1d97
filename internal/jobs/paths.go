// Package jobs orchestrates translation jobs: download, segment, translate,
// compile with repair retries, and artifact packaging. Job state lives in
// memory and is mirrored to job.json after every change; disk is the
// authority for finished jobs across restarts.
package jobs

import (
	"os"
	"path/filepath"

	"arxiv-translate/internal/types"
)

// JobPaths is the on-disk layout of one job under the data directory:
// <base>/<safe-id>/<job-id>/{source/source.tar, source/extract/, work/translated/, output/, job.json}.
type JobPaths struct {
	BaseDir       string
	JobRoot       string
	SourceDir     string
	SourceArchive string
	ExtractDir    string
	WorkDir       string
	TranslatedDir string
	OutputDir     string
	JobJSON       string
}

// BuildJobPaths lays out the directories for a job. safeID is the canonical
// arXiv id with path separators replaced, so old-style ids like math/0211159
// do not nest an extra level.
func BuildJobPaths(baseDir, safeID, jobID string) JobPaths {
	jobRoot := filepath.Join(baseDir, safeID, jobID)
	sourceDir := filepath.Join(jobRoot, "source")
	workDir := filepath.Join(jobRoot, "work")
	return JobPaths{
		BaseDir:       baseDir,
		JobRoot:       jobRoot,
		SourceDir:     sourceDir,
		SourceArchive: filepath.Join(sourceDir, "source.tar"),
		ExtractDir:    filepath.Join(sourceDir, "extract"),
		WorkDir:       workDir,
		TranslatedDir: filepath.Join(workDir, "translated"),
		OutputDir:     filepath.Join(jobRoot, "output"),
		JobJSON:       filepath.Join(jobRoot, "job.json"),
	}
}

// EnsureDirs creates the full job directory tree.
func (p JobPaths) EnsureDirs() error {
	for _, dir := range []string{p.JobRoot, p.SourceDir, p.ExtractDir, p.WorkDir, p.TranslatedDir, p.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewAppError(types.ErrInternal, "failed to create job directory", err)
		}
	}
	return nil
}

// ArtifactFor describes filePath as a downloadable artifact with a URL under
// the static prefix.
func (p JobPaths) ArtifactFor(filePath, staticPrefix string) types.Artifact {
	var size int64
	if info, err := os.Stat(filePath); err == nil {
		size = info.Size()
	}
	rel, err := filepath.Rel(p.BaseDir, filePath)
	if err != nil {
		rel = filepath.Base(filePath)
	}
	return types.Artifact{
		Name:      filepath.Base(filePath),
		Path:      filePath,
		URL:       staticPrefix + "/" + filepath.ToSlash(rel),
		SizeBytes: size,
	}
}
