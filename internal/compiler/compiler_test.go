package compiler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arxiv-translate/internal/types"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseFirstLatexError(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "main.tex", `\documentclass{article}`)
	writeTemp(t, dir, "sections/intro.tex", "content")

	tests := []struct {
		name     string
		log      string
		wantRel  string
		wantLine int
		wantNil  bool
	}{
		{
			name:     "file line error",
			log:      "some output\n./main.tex:42: Undefined control sequence.\nmore output",
			wantRel:  "main.tex",
			wantLine: 42,
		},
		{
			name:     "nested file",
			log:      "./sections/intro.tex:7: Missing $ inserted.",
			wantRel:  "sections/intro.tex",
			wantLine: 7,
		},
		{
			name:     "bare line fallback",
			log:      "! Undefined control sequence.\nl.13 \\badcmd\n",
			wantRel:  "main.tex",
			wantLine: 13,
		},
		{
			name:    "clean log",
			log:     "Output written on main.pdf (3 pages).",
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseFirstLatexError(tt.log, dir, dir, "main.tex")
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected an error, got nil")
			}
			if got.FileRel != tt.wantRel || got.Line != tt.wantLine {
				t.Errorf("got (%s, %d), want (%s, %d)", got.FileRel, got.Line, tt.wantRel, tt.wantLine)
			}
		})
	}
}

func TestParseFirstLatexErrorUnknownFileFallsBackToMain(t *testing.T) {
	dir := t.TempDir()
	got := ParseFirstLatexError("/somewhere/else/other.tex:3: boom", dir, dir, "main.tex")
	if got == nil {
		t.Fatal("expected an error")
	}
	if got.FileRel != "main.tex" {
		t.Errorf("unknown file should resolve to main, got %s", got.FileRel)
	}
}

func TestBblHasEntries(t *testing.T) {
	dir := t.TempDir()

	good := writeTemp(t, dir, "good.bbl", `\begin{thebibliography}{10}
\bibitem{smith2020} Smith, J. A paper about things. Journal of Things, 2020.
\bibitem{doe2021} Doe, J. Another paper with a long enough title. 2021.
\end{thebibliography}`)
	if !bblHasEntries(good) {
		t.Error("expected entries in a populated bbl")
	}

	empty := writeTemp(t, dir, "empty.bbl", "  \n ")
	if bblHasEntries(empty) {
		t.Error("blank bbl must not count")
	}

	stub := writeTemp(t, dir, "stub.bbl", `\bibitem{x}`)
	if bblHasEntries(stub) {
		t.Error("tiny bbl below the size floor must not count")
	}

	if bblHasEntries(filepath.Join(dir, "missing.bbl")) {
		t.Error("missing bbl must not count")
	}
}

func TestDetectCompilerDefaultsToPDFLatex(t *testing.T) {
	dir := t.TempDir()
	plain := writeTemp(t, dir, "plain.tex", `\documentclass{article}\usepackage{amsmath}`)
	if got := DetectCompiler(plain); got != CompilerPDFLaTeX {
		t.Errorf("DetectCompiler = %s, want %s", got, CompilerPDFLaTeX)
	}
	if got := DetectCompiler(filepath.Join(dir, "missing.tex")); got != CompilerPDFLaTeX {
		t.Errorf("missing file should default to %s", CompilerPDFLaTeX)
	}
}

func TestEnsureCtexSupportInjects(t *testing.T) {
	dir := t.TempDir()
	mainTex := writeTemp(t, dir, "main.tex", `\documentclass[11pt]{article}
\usepackage{amsmath}
\begin{document}
正文
\end{document}`)

	changed, err := EnsureCtexSupport(mainTex)
	if err != nil {
		t.Fatalf("EnsureCtexSupport: %v", err)
	}
	if !changed {
		t.Fatal("expected injection to change the file")
	}

	data, _ := os.ReadFile(mainTex)
	text := string(data)
	if !strings.Contains(text, `\usepackage[UTF8]{ctex}`) {
		t.Error("ctex package not injected")
	}
	if !strings.Contains(text, cjkFallbackBegin) || !strings.Contains(text, cjkFallbackEnd) {
		t.Error("font fallback block not injected")
	}
	if !strings.Contains(text, `\usepackage{url}`) {
		t.Error("url package not injected")
	}
	if idx := strings.Index(text, `\usepackage[UTF8]{ctex}`); idx < strings.Index(text, `\documentclass`) {
		t.Error("ctex must come after documentclass")
	}
}

func TestEnsureCtexSupportIdempotent(t *testing.T) {
	dir := t.TempDir()
	mainTex := writeTemp(t, dir, "main.tex", `\documentclass{article}
\begin{document}
body
\end{document}`)

	if _, err := EnsureCtexSupport(mainTex); err != nil {
		t.Fatalf("first injection: %v", err)
	}
	after1, _ := os.ReadFile(mainTex)

	changed, err := EnsureCtexSupport(mainTex)
	if err != nil {
		t.Fatalf("second injection: %v", err)
	}
	if changed {
		t.Error("second call must be a no-op")
	}
	after2, _ := os.ReadFile(mainTex)
	if string(after1) != string(after2) {
		t.Error("repeated injection modified the file")
	}
}

func TestEnsureCtexSupportNoDocumentclass(t *testing.T) {
	dir := t.TempDir()
	frag := writeTemp(t, dir, "frag.tex", "just a fragment without a preamble")
	changed, err := EnsureCtexSupport(frag)
	if err != nil {
		t.Fatalf("EnsureCtexSupport: %v", err)
	}
	if changed {
		t.Error("fragment without documentclass must be left alone")
	}
}

func TestCompileCleanDocument(t *testing.T) {
	if !CommandExists(CompilerPDFLaTeX) {
		t.Skip("pdflatex not installed")
	}
	dir := t.TempDir()
	writeTemp(t, dir, "main.tex", `\documentclass{article}
\begin{document}
Hello
\end{document}
`)
	// A populated bbl skips the bibtex pass, which errors on citation-free
	// documents.
	writeTemp(t, dir, "main.bbl", `\begin{thebibliography}{1}
\bibitem{x} Placeholder entry long enough to count as resolved citations.
\end{thebibliography}`)

	res, err := Compile(context.Background(), Options{
		ProjectRoot:  dir,
		MainTexRel:   "main.tex",
		Timeout:      2 * time.Minute,
		LogPath:      filepath.Join(dir, "compile.log"),
		AttemptIndex: 1,
		AttemptTotal: 1,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !res.CompileOK || !res.PDFExists {
		t.Fatalf("clean document did not compile: %+v", res)
	}
	for i, rc := range res.ReturnCodes {
		if rc != 0 {
			t.Errorf("invocation %d return code = %d, want 0", i, rc)
		}
	}
	if res.FirstError != nil {
		t.Errorf("unexpected first error: %+v", res.FirstError)
	}
	if info, err := os.Stat(res.PDFPath); err != nil || info.Size() == 0 {
		t.Error("pdf missing or empty")
	}
}

func TestCompileObservesCancellationBetweenInvocations(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "main.tex", `\documentclass{article}
\begin{document}
body
\end{document}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compile(ctx, Options{ProjectRoot: dir, MainTexRel: "main.tex"})
	if types.CodeOf(err) != types.ErrCancelled {
		t.Errorf("error code = %s, want %s", types.CodeOf(err), types.ErrCancelled)
	}
}

func TestRunCommandTimeoutReturnCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	inv, err := runCommand("sh", []string{"-c", "echo ok"}, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if inv.returnCode != 0 || !strings.Contains(inv.output, "ok") {
		t.Errorf("invocation = %+v", inv)
	}

	inv, err = runCommand("sh", []string{"-c", "sleep 5"}, t.TempDir(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if inv.returnCode != 124 || !inv.timedOut {
		t.Errorf("timeout should record rc 124, got %+v", inv)
	}
	if !strings.Contains(inv.output, "[timeout]") {
		t.Error("timeout marker missing from output")
	}
}

func TestEmergencyStopPattern(t *testing.T) {
	if !emergencyStopPattern.MatchString("output\n! Emergency stop.\n<*> main.tex") {
		t.Error("emergency stop not detected")
	}
	if emergencyStopPattern.MatchString("everything fine, no stop here") {
		t.Error("false positive emergency stop")
	}
}

func TestBuildProjectZipSkipsIntermediates(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "proj/main.tex", `\documentclass{article}`)
	writeTemp(t, dir, "proj/main.bbl", `\bibitem{a} entry`)
	writeTemp(t, dir, "proj/main.aux", "aux junk")
	writeTemp(t, dir, "proj/figs/plot.pdf", "%PDF-1.4 fake")
	writeTemp(t, dir, "proj/.git/config", "hidden")

	zipPath := filepath.Join(dir, "out", "project.zip")
	if err := BuildProjectZip(filepath.Join(dir, "proj"), zipPath); err != nil {
		t.Fatalf("BuildProjectZip: %v", err)
	}

	names := zipMemberNames(t, zipPath)
	if !names["main.tex"] || !names["main.bbl"] || !names["figs/plot.pdf"] {
		t.Errorf("expected source members present, got %v", names)
	}
	if names["main.aux"] {
		t.Error("aux intermediate must be skipped")
	}
	if names[".git/config"] {
		t.Error("dot directories must be skipped")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "a/src.bin", "payload")
	dst := filepath.Join(dir, "b", "c", "dst.bin")
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("dst content = %q", data)
	}

	if err := CopyFile(filepath.Join(dir, "missing"), dst); err == nil {
		t.Error("expected error for missing source")
	}
}
