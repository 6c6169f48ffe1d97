// Package compiler invokes the LaTeX toolchain on translated projects and
// diagnoses the first error of a failed attempt.
package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"arxiv-translate/internal/logger"
	"arxiv-translate/internal/types"
)

const (
	// CompilerPDFLaTeX is the default engine
	CompilerPDFLaTeX = "pdflatex"
	// CompilerXeLaTeX is the CJK-capable engine
	CompilerXeLaTeX = "xelatex"
	// BibtexCommand resolves bibliography citations between compile passes
	BibtexCommand = "bibtex"

	// DefaultTimeout is the default per-invocation compile timeout
	DefaultTimeout = 3 * time.Minute

	// timeoutReturnCode is recorded when an invocation exceeds its timeout,
	// mirroring the shell convention.
	timeoutReturnCode = 124
)

// Packages in the main file head that require a Unicode-capable engine.
var xelatexMarkers = []string{"fontspec", "xeCJK", "xetex", "unicode-math", "xltxtra", "xunicode", "ctex"}

// DetectCompiler inspects the head of the main tex file and picks xelatex
// when a Unicode/CJK font package is used and the engine is installed.
func DetectCompiler(mainTexPath string) string {
	content, err := os.ReadFile(mainTexPath)
	if err != nil {
		return CompilerPDFLaTeX
	}
	head := string(content)
	if len(head) > 8000 {
		head = head[:8000]
	}
	for _, marker := range xelatexMarkers {
		if strings.Contains(head, marker) {
			if CommandExists(CompilerXeLaTeX) {
				return CompilerXeLaTeX
			}
			break
		}
	}
	return CompilerPDFLaTeX
}

// CommandExists reports whether name is invokable on this host.
func CommandExists(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, name, "--version").Run() == nil
}

type invocation struct {
	returnCode int
	timedOut   bool
	output     string
}

// runCommand executes one toolchain invocation with combined output capture.
// Only the timeout stops a started engine; job cancellation is observed
// between invocations, never by killing a running compile. A timeout is
// recorded as return code 124 rather than surfaced as an error.
func runCommand(name string, args []string, cwd string, timeout time.Duration) (invocation, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()

	inv := invocation{output: string(out)}
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		inv.returnCode = timeoutReturnCode
		inv.timedOut = true
		inv.output += "\n[timeout]\n"
	case err == nil:
		inv.returnCode = 0
	default:
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			inv.returnCode = exitErr.ExitCode()
		} else {
			return inv, types.NewAppErrorWithDetails(types.ErrCompile, "command not runnable", name, err)
		}
	}
	return inv, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// bblHasEntries reports whether a .bbl file holds resolved citations worth
// preserving across attempts. Re-running bibtex over a good .bbl after a
// partial compile can destroy already-resolved references.
func bblHasEntries(bblPath string) bool {
	data, err := os.ReadFile(bblPath)
	if err != nil {
		return false
	}
	text := string(data)
	return strings.Contains(text, `\bibitem`) && len(strings.TrimSpace(text)) > 80
}

var (
	fileLineErrorPattern = regexp.MustCompile(`(?m)^(?:\./)?([^\n:]+?\.tex):(\d+): *(.+)$`)
	bareLinePattern      = regexp.MustCompile(`(?m)^l\.(\d+)\b`)
	emergencyStopPattern = regexp.MustCompile(`(?im)^! *Emergency stop\.`)
)

// ParseFirstLatexError scans combined compiler output for the first
// machine-parseable "<file>.tex:<line>: <msg>" error. When none is present
// it falls back to a bare "l.<line>" marker attributed to the main file.
func ParseFirstLatexError(logText, compileDir, projectRoot string, mainTexRel string) *types.LatexError {
	if m := fileLineErrorPattern.FindStringSubmatch(logText); m != nil {
		rawFile := strings.TrimSpace(m[1])
		line := atoiSafe(m[2])
		msg := strings.TrimSpace(m[3])

		fileRel := resolveErrorFile(rawFile, compileDir, projectRoot, mainTexRel)
		return &types.LatexError{
			File:    rawFile,
			FileRel: filepath.ToSlash(fileRel),
			Line:    line,
			Message: msg,
		}
	}

	if m := bareLinePattern.FindStringSubmatch(logText); m != nil {
		return &types.LatexError{
			File:    mainTexRel,
			FileRel: filepath.ToSlash(mainTexRel),
			Line:    atoiSafe(m[1]),
			Message: "no tex file located in log, falling back to main file line marker",
		}
	}
	return nil
}

// resolveErrorFile maps a compiler-reported path (absolute, ./-prefixed, or
// already relative) to a path relative to the project root.
func resolveErrorFile(rawFile, compileDir, projectRoot, mainTexRel string) string {
	candidate := rawFile
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(compileDir, candidate)
	}
	if abs, err := filepath.Abs(candidate); err == nil {
		if rootAbs, err := filepath.Abs(projectRoot); err == nil {
			if rel, err := filepath.Rel(rootAbs, abs); err == nil && !strings.HasPrefix(rel, "..") {
				return rel
			}
		}
	}

	rawPosix := filepath.ToSlash(rawFile)
	if _, err := os.Stat(filepath.Join(projectRoot, rawPosix)); err == nil {
		return rawPosix
	}
	return mainTexRel
}

func atoiSafe(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// Options configures one compile attempt.
type Options struct {
	ProjectRoot string
	MainTexRel  string
	Timeout     time.Duration
	// LogPath receives the combined output of every invocation of the
	// attempt. When AppendLog is set the file is appended, preserving prior
	// attempts of the same job.
	LogPath      string
	AppendLog    bool
	AttemptIndex int
	AttemptTotal int
	// ForceCompiler overrides engine detection (CJK targets require xelatex
	// outright).
	ForceCompiler string
}

// Compile runs one attempt: compile, an optional bibtex pass, then two more
// compiles to settle references. Success requires a nonempty PDF, a zero
// final return code, and no emergency stop in the log.
func Compile(ctx context.Context, opts Options) (*types.CompileResult, error) {
	mainTexAbs := filepath.Join(opts.ProjectRoot, opts.MainTexRel)
	if _, err := os.Stat(mainTexAbs); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrFileNotFound, "main tex file not found", opts.MainTexRel, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	compileDir := filepath.Dir(mainTexAbs)
	mainStem := strings.TrimSuffix(filepath.Base(mainTexAbs), filepath.Ext(mainTexAbs))
	engine := opts.ForceCompiler
	if engine == "" {
		engine = DetectCompiler(mainTexAbs)
	}

	logPath := opts.LogPath
	if logPath == "" {
		logPath = filepath.Join(opts.ProjectRoot, "compile.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, types.NewAppError(types.ErrInternal, "failed to create log directory", err)
	}

	pdfPath := filepath.Join(compileDir, mainStem+".pdf")
	_ = os.Remove(pdfPath)

	flags := os.O_CREATE | os.O_WRONLY
	if opts.AppendLog {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	logFile, err := os.OpenFile(logPath, flags, 0o644)
	if err != nil {
		return nil, types.NewAppError(types.ErrInternal, "failed to open compile log", err)
	}
	defer logFile.Close()

	if opts.AppendLog {
		fmt.Fprint(logFile, "\n\n")
	}
	if opts.AttemptIndex > 0 && opts.AttemptTotal > 0 {
		fmt.Fprintf(logFile, "===== Compile Attempt %d/%d =====\n", opts.AttemptIndex, opts.AttemptTotal)
	} else {
		fmt.Fprint(logFile, "===== Compile Attempt =====\n")
	}

	var (
		returnCodes []int
		timedOut    bool
		logChunks   []string
	)

	runStep := func(name string, args []string) error {
		if ctx.Err() != nil {
			return types.NewAppError(types.ErrCancelled, "compile cancelled", ctx.Err())
		}
		inv, err := runCommand(name, args, compileDir, opts.Timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(logFile, "$ %s %s\n%s\n\n", name, strings.Join(args, " "), inv.output)
		returnCodes = append(returnCodes, inv.returnCode)
		timedOut = timedOut || inv.timedOut
		logChunks = append(logChunks, inv.output)
		return nil
	}

	compileArgs := []string{"-interaction=nonstopmode", "-file-line-error", mainStem + ".tex"}

	bblPath := filepath.Join(compileDir, mainStem+".bbl")
	keepExistingBbl := bblHasEntries(bblPath)
	if keepExistingBbl {
		fmt.Fprintf(logFile, "[info] keep existing bbl: %s\n\n", filepath.Base(bblPath))
	}

	if err := runStep(engine, compileArgs); err != nil {
		return nil, err
	}

	auxPath := filepath.Join(compileDir, mainStem+".aux")
	if _, err := os.Stat(auxPath); err == nil && !keepExistingBbl {
		if err := runStep(BibtexCommand, []string{mainStem}); err != nil {
			return nil, err
		}
	}

	if err := runStep(engine, compileArgs); err != nil {
		return nil, err
	}
	if err := runStep(engine, compileArgs); err != nil {
		return nil, err
	}

	logText := strings.Join(logChunks, "\n")
	firstError := ParseFirstLatexError(logText, compileDir, opts.ProjectRoot, opts.MainTexRel)

	pdfInfo, statErr := os.Stat(pdfPath)
	pdfExists := statErr == nil && pdfInfo.Size() > 0
	hasEmergencyStop := emergencyStopPattern.MatchString(logText)
	lastOK := len(returnCodes) > 0 && returnCodes[len(returnCodes)-1] == 0
	compileOK := pdfExists && lastOK && !hasEmergencyStop

	logger.Info("compile attempt finished",
		logger.String("compiler", engine),
		logger.Bool("ok", compileOK),
		logger.Bool("pdfExists", pdfExists),
		logger.Bool("timedOut", timedOut))

	return &types.CompileResult{
		Compiler:         engine,
		PDFPath:          pdfPath,
		PDFExists:        pdfExists,
		CompileOK:        compileOK,
		HasEmergencyStop: hasEmergencyStop,
		LogPath:          logPath,
		ReturnCodes:      returnCodes,
		TimedOut:         timedOut,
		FirstError:       firstError,
	}, nil
}
