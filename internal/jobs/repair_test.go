package jobs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arxiv-translate/internal/types"
)

func segState(original, current string, translatable bool) *types.SegmentState {
	return &types.SegmentState{
		Original:     original,
		Current:      current,
		Translatable: translatable,
	}
}

func TestAssembleSegmentsIsLossless(t *testing.T) {
	segments := []*types.SegmentState{
		segState("\\documentclass{article}\n", "\\documentclass{article}\n", false),
		segState("hello world\n", "你好世界\n", true),
		segState("\\end{document}\n", "\\end{document}\n", false),
	}
	got := assembleSegments(segments)
	want := "\\documentclass{article}\n你好世界\n\\end{document}\n"
	if got != want {
		t.Errorf("assembleSegments = %q, want %q", got, want)
	}
}

func TestRecomputeSegmentLines(t *testing.T) {
	segments := []*types.SegmentState{
		segState("", "line1\nline2\n", false),
		segState("", "line3\n", true),
		segState("", "line4", true),
	}
	recomputeSegmentLines(segments)

	wantSpans := [][2]int{{1, 3}, {3, 4}, {4, 4}}
	for i, seg := range segments {
		if seg.StartLine != wantSpans[i][0] || seg.EndLine != wantSpans[i][1] {
			t.Errorf("segment %d span = (%d, %d), want (%d, %d)",
				i, seg.StartLine, seg.EndLine, wantSpans[i][0], wantSpans[i][1])
		}
	}
}

func TestFindFileState(t *testing.T) {
	states := map[string]*types.FileState{
		"main.tex":          {RelPath: "main.tex"},
		"sections/a.tex":    {RelPath: "sections/a.tex"},
		"appendix/a.tex":    {RelPath: "appendix/a.tex"},
		"sections/only.tex": {RelPath: "sections/only.tex"},
	}

	if got := findFileState(states, "main.tex"); got == nil || got.RelPath != "main.tex" {
		t.Error("exact match failed")
	}
	if got := findFileState(states, "only.tex"); got == nil || got.RelPath != "sections/only.tex" {
		t.Error("unique basename match failed")
	}
	if got := findFileState(states, "a.tex"); got != nil {
		t.Error("ambiguous basename must not match")
	}
	if got := findFileState(states, "missing.tex"); got != nil {
		t.Error("unknown file must not match")
	}
	if got := findFileState(states, `sections\a.tex`); got == nil || got.RelPath != "sections/a.tex" {
		t.Error("backslash path must normalize to the tracked key")
	}
}

func buildRepairFixture(t *testing.T) (map[string]*types.FileState, string) {
	t.Helper()
	segments := []*types.SegmentState{
		segState("\\documentclass{article}\n\\begin{document}\n", "\\documentclass{article}\n\\begin{document}\n", false),
		segState("first paragraph\n", "第一段译文\n", true),
		segState("\\begin{equation}\nx=1\n\\end{equation}\n", "\\begin{equation}\nx=1\n\\end{equation}\n", false),
		segState("second paragraph\n", "第二段译文\n", true),
		segState("\\end{document}\n", "\\end{document}\n", false),
	}
	recomputeSegmentLines(segments)

	state := &types.FileState{RelPath: "main.tex", Segments: segments}
	root := t.TempDir()
	return map[string]*types.FileState{"main.tex": state}, root
}

func TestRepairFileStateRevertsWindow(t *testing.T) {
	states, root := buildRepairFixture(t)
	state := states["main.tex"]

	// Line 3 is the first translated paragraph.
	if !repairFileState(states, root, "main.tex", 3, 1) {
		t.Fatal("repair should report progress")
	}
	if state.Segments[1].Current != state.Segments[1].Original {
		t.Error("segment in the error window was not reverted")
	}
	if state.Segments[3].Current == state.Segments[3].Original {
		t.Error("segment outside the window must stay translated")
	}
	if state.RepairedSegments != 1 {
		t.Errorf("RepairedSegments = %d, want 1", state.RepairedSegments)
	}

	data, err := os.ReadFile(filepath.Join(root, "main.tex"))
	if err != nil {
		t.Fatalf("rewritten file missing: %v", err)
	}
	if !strings.Contains(string(data), "first paragraph") {
		t.Error("rewritten file does not contain the reverted original")
	}
}

func TestRepairFileStateFallsBackToNearest(t *testing.T) {
	states, root := buildRepairFixture(t)
	state := states["main.tex"]

	// Error far past the end of the file; nothing intersects the window.
	if !repairFileState(states, root, "main.tex", 100, 1) {
		t.Fatal("nearest-segment fallback should still make progress")
	}
	reverted := 0
	for _, seg := range state.Segments {
		if seg.Translatable && seg.Current == seg.Original {
			reverted++
		}
	}
	if reverted != 1 {
		t.Errorf("expected exactly one reverted segment, got %d", reverted)
	}
	if state.Segments[3].Current != state.Segments[3].Original {
		t.Error("the nearest segment to the error should be the reverted one")
	}
}

func TestRepairFileStateExhausted(t *testing.T) {
	states, root := buildRepairFixture(t)

	if !repairFileState(states, root, "main.tex", 1, 100) {
		t.Fatal("wide window should revert everything")
	}
	if repairFileState(states, root, "main.tex", 1, 100) {
		t.Error("fully reverted file must report no progress")
	}
}

func TestRepairFileStateUnknownFile(t *testing.T) {
	states, root := buildRepairFixture(t)
	if repairFileState(states, root, "other.tex", 1, 5) {
		t.Error("unknown file must not be repaired")
	}
}

func TestSegmentDistance(t *testing.T) {
	seg := &types.SegmentState{StartLine: 10, EndLine: 20}
	tests := []struct {
		line int
		want int
	}{
		{15, 0},
		{10, 0},
		{20, 0},
		{5, 5},
		{25, 5},
	}
	for _, tt := range tests {
		if got := segmentDistance(seg, tt.line); got != tt.want {
			t.Errorf("segmentDistance(line=%d) = %d, want %d", tt.line, got, tt.want)
		}
	}
}
