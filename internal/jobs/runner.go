package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"arxiv-translate/internal/compiler"
	"arxiv-translate/internal/config"
	"arxiv-translate/internal/downloader"
	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/splitter"
	"arxiv-translate/internal/texproject"
	"arxiv-translate/internal/translator"
	"arxiv-translate/internal/types"
)

type runParams struct {
	model           string
	targetLanguage  string
	extraPrompt     string
	apiKey          string
	baseURL         string
	concurrency     int
	chunkMaxTokens  int
	maxCompileTries int
}

// runJob drives one job to a terminal state. Never returns an error: every
// failure path ends in a persisted failed or cancelled snapshot.
func (s *Service) runJob(ctx context.Context, j *job, p runParams) {
	defer func() {
		if r := recover(); r != nil {
			trace := string(debug.Stack())
			if len(trace) > 4000 {
				trace = trace[:4000]
			}
			logger.Error("job runner panic", fmt.Errorf("%v", r), logger.String("jobID", j.snap.JobID))
			j.mu.Lock()
			defer j.mu.Unlock()
			if !j.snap.Status.Terminal() {
				j.snap.Status = types.JobFailed
				j.snap.Error = fmt.Sprintf("internal panic: %v", r)
				j.snap.Meta["error_code"] = string(types.ErrInternal)
				j.snap.Meta["panic_trace"] = trace
				j.appendStep("error", types.StepError, "任务失败："+j.snap.Error)
				j.persist()
			}
		}
	}()

	err := s.execute(ctx, j, p)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.Status.Terminal() {
		return
	}
	switch {
	case err == nil:
		j.snap.Status = types.JobSucceeded
		j.appendStep("done", types.StepDone, "任务完成，请下载译文 PDF。")
	case ctx.Err() != nil || j.cancelRequested || types.CodeOf(err) == types.ErrCancelled:
		j.snap.Status = types.JobCancelled
		j.appendStep("cancel", types.StepDone, "任务已取消。")
	default:
		j.snap.Status = types.JobFailed
		j.snap.Error = err.Error()
		j.snap.Meta["error_code"] = string(types.CodeOf(err))
		j.appendStep("error", types.StepError, "任务失败："+err.Error())
	}
	j.persist()
}

// step appends a progress step and persists under the job lock. Terminal
// jobs absorb late updates: a phase finishing after a cancel must not append
// to the settled snapshot.
func (s *Service) step(j *job, key string, status types.StepStatus, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.Status.Terminal() {
		return
	}
	j.appendStep(key, status, message)
	j.persist()
}

func (s *Service) setMeta(j *job, key string, value any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.Status.Terminal() {
		return
	}
	j.snap.Meta[key] = value
	j.snap.UpdatedAt = types.NowISO()
	j.persist()
}

func (s *Service) execute(ctx context.Context, j *job, p runParams) error {
	paths := j.paths
	paperID := j.snap.PaperID
	canonicalID := j.snap.CanonicalID

	j.mu.Lock()
	if j.snap.Status.Terminal() {
		j.mu.Unlock()
		return types.NewAppError(types.ErrCancelled, "job cancelled", nil)
	}
	j.snap.Status = types.JobRunning
	j.appendStep("start", types.StepRunning, "开始执行 arXiv 论文精细翻译。")
	j.persist()
	j.mu.Unlock()

	// Download.
	s.step(j, "download", types.StepRunning, "正在下载 arXiv 源码包...")
	sourceURL, err := s.dl.DownloadSourceArchive(ctx, paperID, canonicalID, paths.SourceArchive)
	if err != nil {
		return err
	}
	s.step(j, "download", types.StepDone, "源码下载完成："+sourceURL)

	// Extract and discover project layout.
	s.step(j, "extract", types.StepRunning, "正在解压源码包...")
	if err := downloader.ExtractSourceArchive(paths.SourceArchive, paths.ExtractDir); err != nil {
		return err
	}
	projectRoot := texproject.NormalizeProjectRoot(paths.ExtractDir)
	texFiles, err := texproject.DiscoverTexFiles(projectRoot)
	if err != nil {
		return err
	}
	mainTexRel, err := texproject.FindMainTexFile(projectRoot, texFiles)
	if err != nil {
		return err
	}
	s.setMeta(j, "main_tex", mainTexRel)
	s.setMeta(j, "tex_files", len(texFiles))
	if title := texproject.ExtractPaperTitle(projectRoot, mainTexRel); title != "" {
		s.setMeta(j, "paper_title", title)
		s.setMeta(j, "task_name", buildTaskName(paperID, title))
	}
	s.step(j, "extract", types.StepDone, "源码解压完成，识别主文件："+mainTexRel)

	// Prepare the translated working copy.
	s.step(j, "prepare", types.StepRunning, "正在准备翻译工作目录...")
	if err := copyProjectTree(projectRoot, paths.TranslatedDir); err != nil {
		return err
	}
	s.step(j, "prepare", types.StepDone, "工作目录准备完成。")

	trCfg := s.translatorConfig(p)
	tr, err := translator.New(trCfg)
	if err != nil {
		return err
	}

	// Plan segmentation up front so the chunk guard fires before any API
	// spend.
	planned := make(map[string][]types.Segment, len(texFiles))
	totalChunks := 0
	for _, rel := range texFiles {
		raw, err := os.ReadFile(filepath.Join(projectRoot, filepath.FromSlash(rel)))
		if err != nil {
			return types.NewAppErrorWithDetails(types.ErrInternal, "failed to read tex file", rel, err)
		}
		content := splitter.StripLatexComments(string(raw))
		segments := splitter.BuildTranslatable(content, p.chunkMaxTokens)
		planned[rel] = segments
		for _, seg := range segments {
			if seg.Translatable && hasContent(seg.Text) {
				totalChunks++
			}
		}
	}
	if totalChunks <= 0 {
		return types.NewAppError(types.ErrTranslation, "未生成可翻译分片。", nil)
	}
	if totalChunks > s.cfg.Translate.MaxChunks {
		return types.NewAppErrorWithDetails(types.ErrTranslation,
			fmt.Sprintf("论文分片过多（%d > %d），请提高 chunk token 大小或换更小论文。", totalChunks, s.cfg.Translate.MaxChunks),
			"", nil)
	}
	s.setMeta(j, "total_chunks", totalChunks)

	s.step(j, "translate", types.StepRunning,
		fmt.Sprintf("开始翻译 LaTeX 内容，共 %d 个 tex 文件，%d 个分片。", len(texFiles), totalChunks))

	fileStates := make(map[string]*types.FileState, len(texFiles))
	translatedDone := 0
	for index, rel := range texFiles {
		if ctx.Err() != nil {
			return types.NewAppError(types.ErrCancelled, "job cancelled", ctx.Err())
		}

		segments := planned[rel]
		state := &types.FileState{RelPath: rel}
		var chunks []string
		var translatableIdx []int
		for _, seg := range segments {
			segState := &types.SegmentState{
				Original:     seg.Text,
				Current:      seg.Text,
				Translatable: seg.Translatable,
				StartLine:    seg.StartLine,
				EndLine:      seg.EndLine,
			}
			state.Segments = append(state.Segments, segState)
			if seg.Translatable && hasContent(seg.Text) {
				translatableIdx = append(translatableIdx, len(state.Segments)-1)
				chunks = append(chunks, seg.Text)
			}
		}

		if len(chunks) > 0 {
			s.step(j, "translate_file", types.StepRunning,
				fmt.Sprintf("正在翻译文件 %d/%d：%s", index+1, len(texFiles), rel))

			base := translatedDone
			onProgress := func(done, total int) {
				s.setMeta(j, "translated_chunks", base+done)
			}
			translated, err := tr.TranslateChunks(ctx, chunks, p.extraPrompt, onProgress)
			if err != nil {
				return err
			}
			for i, segIdx := range translatableIdx {
				original := state.Segments[segIdx].Original
				guarded := splitter.GuardTranslatedSegment(original, translated[i])
				if guarded == original && hasContent(translated[i]) && guardDiscarded(translated[i], original) {
					s.bumpMeta(j, "guard_fallback_chunks")
				}
				state.Segments[segIdx].Current = guarded
			}
			translatedDone += len(chunks)
			s.setMeta(j, "translated_chunks", translatedDone)
			s.step(j, "translate_file", types.StepDone, "文件翻译完成："+rel)
		}

		recomputeSegmentLines(state.Segments)
		assembled := splitter.EnsureSectionTitleBold(assembleSegments(state.Segments))
		dstFile := filepath.Join(paths.TranslatedDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dstFile), 0o755); err != nil {
			return types.NewAppError(types.ErrInternal, "failed to create translated directory", err)
		}
		if err := os.WriteFile(dstFile, []byte(assembled), 0o644); err != nil {
			return types.NewAppError(types.ErrInternal, "failed to write translated file", err)
		}
		fileStates[rel] = state
	}

	chineseTarget := trCfg.IsChineseTarget()
	mainTexAbs := filepath.Join(paths.TranslatedDir, filepath.FromSlash(mainTexRel))
	if chineseTarget {
		injected, err := compiler.EnsureCtexSupport(mainTexAbs)
		if err != nil {
			return err
		}
		if injected {
			s.step(j, "prepare_chinese", types.StepDone, "已自动注入 ctex 中文支持。")
		}
	}

	// Compile with repair retries.
	s.step(j, "compile", types.StepRunning, "正在编译翻译后的 PDF ...")

	forceCompiler := ""
	if chineseTarget {
		if !compiler.CommandExists(compiler.CompilerXeLaTeX) {
			return types.NewAppError(types.ErrCompile, "中文翻译编译需要 xelatex，但当前环境未安装 xelatex。", nil)
		}
		forceCompiler = compiler.CompilerXeLaTeX
	}

	var result *types.CompileResult
	compiled := false
	for attempt := 1; attempt <= p.maxCompileTries; attempt++ {
		if ctx.Err() != nil {
			return types.NewAppError(types.ErrCancelled, "job cancelled", ctx.Err())
		}
		if chineseTarget {
			// Re-inject in case a repair reverted the preamble.
			if _, err := compiler.EnsureCtexSupport(mainTexAbs); err != nil {
				return err
			}
		}

		s.setMeta(j, "compile_attempts", attempt)
		s.step(j, "compile_try", types.StepRunning,
			fmt.Sprintf("尝试第 %d/%d 次编译...", attempt, p.maxCompileTries))

		result, err = compiler.Compile(ctx, compiler.Options{
			ProjectRoot:   paths.TranslatedDir,
			MainTexRel:    mainTexRel,
			Timeout:       s.cfg.CompileTimeout(),
			LogPath:       filepath.Join(paths.OutputDir, CompileLogName),
			AppendLog:     attempt > 1,
			AttemptIndex:  attempt,
			AttemptTotal:  p.maxCompileTries,
			ForceCompiler: forceCompiler,
		})
		if err != nil {
			return err
		}
		if result.CompileOK {
			compiled = true
			break
		}

		errRel := mainTexRel
		errLine := 1
		if result.FirstError != nil {
			if result.FirstError.FileRel != "" {
				errRel = result.FirstError.FileRel
			}
			if result.FirstError.Line > 0 {
				errLine = result.FirstError.Line
			}
		}
		if attempt >= p.maxCompileTries {
			break
		}

		window := s.cfg.Compile.RepairBaseWindow * attempt
		if repairFileState(fileStates, paths.TranslatedDir, errRel, errLine, window) {
			s.step(j, "compile_fix", types.StepRunning,
				fmt.Sprintf("第 %d 次编译失败，已回退 %s:%d 附近译文并重试。", attempt, errRel, errLine))
			continue
		}
		s.step(j, "compile_fix", types.StepError,
			fmt.Sprintf("第 %d 次编译失败，未找到可回退片段（%s:%d）。", attempt, errRel, errLine))
		break
	}

	if !compiled || result == nil {
		detail := ""
		if result != nil && result.FirstError != nil {
			detail = fmt.Sprintf("%s:%d %s", result.FirstError.FileRel, result.FirstError.Line, result.FirstError.Message)
		} else if result != nil && result.HasEmergencyStop {
			detail = "LaTeX 出现 Emergency stop，输出 PDF 可能不完整。"
		}
		return types.NewAppErrorWithDetails(types.ErrCompile,
			fmt.Sprintf("编译失败，已尝试 %d 次。", p.maxCompileTries), detail, nil)
	}

	pages, err := compiler.ValidatePDF(result.PDFPath)
	if err != nil {
		return err
	}
	s.setMeta(j, "pdf_pages", pages)

	translatedPDF := filepath.Join(paths.OutputDir, TranslatedPDFName)
	if err := compiler.CopyFile(result.PDFPath, translatedPDF); err != nil {
		return err
	}
	j.mu.Lock()
	attempts, _ := j.snap.Meta["compile_attempts"].(int)
	j.mu.Unlock()
	s.step(j, "compile", types.StepDone,
		fmt.Sprintf("PDF 编译完成（%s，第 %d 次通过）。", result.Compiler, attempts))

	// Package the translated project for download.
	s.step(j, "pack", types.StepRunning, "正在打包翻译项目...")
	projectZip := filepath.Join(paths.OutputDir, ProjectZipName)
	if err := compiler.BuildProjectZip(paths.TranslatedDir, projectZip); err != nil {
		return err
	}
	s.step(j, "pack", types.StepDone, "打包完成。")

	staticPrefix := s.cfg.Data.StaticPrefix
	artifacts := []types.Artifact{
		paths.ArtifactFor(translatedPDF, staticPrefix),
		paths.ArtifactFor(projectZip, staticPrefix),
	}
	compileLog := filepath.Join(paths.OutputDir, CompileLogName)
	if fileExists(compileLog) {
		artifacts = append(artifacts, paths.ArtifactFor(compileLog, staticPrefix))
	}

	originalURL := originalPDFExternalURL(paperID)
	if art := s.ensureOriginalPDF(ctx, paths, paperID); art != nil {
		originalURL = art.URL
	}

	j.mu.Lock()
	if !j.snap.Status.Terminal() {
		j.snap.Artifacts = artifacts
		j.snap.Meta["original_pdf_url"] = originalURL
		j.persist()
	}
	j.mu.Unlock()
	return nil
}

func (s *Service) translatorConfig(p runParams) translator.Config {
	apiKey := p.apiKey
	if apiKey == "" {
		apiKey = s.cfg.OpenAI.APIKey
	}
	baseURL := p.baseURL
	if baseURL == "" {
		baseURL = s.cfg.OpenAI.BaseURL
	}
	concurrency := p.concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Translate.Concurrency
	}
	if concurrency > config.MaxConcurrency {
		concurrency = config.MaxConcurrency
	}
	return translator.Config{
		APIKey:         apiKey,
		BaseURL:        baseURL,
		Model:          p.model,
		TargetLanguage: p.targetLanguage,
		Concurrency:    concurrency,
		Timeout:        s.cfg.LLMTimeout(),
		RateLimitRPM:   s.cfg.Translate.RateLimitRPM,
	}
}

func (s *Service) bumpMeta(j *job, key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.snap.Status.Terminal() {
		return
	}
	n, _ := j.snap.Meta[key].(int)
	j.snap.Meta[key] = n + 1
}

// buildOutputArtifacts lists the output files that exist on disk for a job.
func (s *Service) buildOutputArtifacts(paths JobPaths) []types.Artifact {
	var artifacts []types.Artifact
	for _, name := range []string{TranslatedPDFName, ProjectZipName, CompileLogName} {
		if art := s.existingArtifact(paths, name); art != nil {
			artifacts = append(artifacts, *art)
		}
	}
	return artifacts
}

func (s *Service) existingArtifact(paths JobPaths, name string) *types.Artifact {
	filePath := filepath.Join(paths.OutputDir, name)
	if !fileExists(filePath) {
		return nil
	}
	art := paths.ArtifactFor(filePath, s.cfg.Data.StaticPrefix)
	return &art
}

// ensureOriginalPDF makes the published PDF available next to the outputs.
// Failures are tolerated; callers fall back to the external arXiv URL.
func (s *Service) ensureOriginalPDF(ctx context.Context, paths JobPaths, paperID string) *types.Artifact {
	outputPDF := filepath.Join(paths.OutputDir, OriginalPDFName)
	if fileExists(outputPDF) {
		art := paths.ArtifactFor(outputPDF, s.cfg.Data.StaticPrefix)
		return &art
	}
	if _, err := s.dl.DownloadOriginalPDF(ctx, paperID, outputPDF); err != nil {
		logger.Warn("original PDF not fetched", logger.String("paperID", paperID), logger.Err(err))
		return nil
	}
	if !fileExists(outputPDF) {
		return nil
	}
	art := paths.ArtifactFor(outputPDF, s.cfg.Data.StaticPrefix)
	return &art
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func hasContent(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\r' && r != '\n' {
			return true
		}
	}
	return false
}

// guardDiscarded reports whether a guard fallback actually threw away model
// output, as opposed to the model echoing the original back.
func guardDiscarded(translated, original string) bool {
	return strings.TrimSpace(translated) != strings.TrimSpace(original)
}

// copyProjectTree replaces dst with a fresh copy of src.
func copyProjectTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return types.NewAppError(types.ErrInternal, "failed to reset work directory", err)
	}
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFileContents(path, target)
	})
	if err != nil {
		return types.NewAppError(types.ErrInternal, "failed to copy project tree", err)
	}
	return nil
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
