package jobs

import (
	"os"
	"path/filepath"
	"strings"

	"arxiv-translate/internal/splitter"
	"arxiv-translate/internal/types"
)

// assembleSegments rebuilds a file from its segment states. Concatenation is
// lossless because segmentation partitions the original text exactly.
func assembleSegments(segments []*types.SegmentState) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Current)
	}
	return b.String()
}

// recomputeSegmentLines refreshes line spans after segment contents changed.
// Compile errors report line numbers against the assembled file, so spans
// must track the current text, not the original.
func recomputeSegmentLines(segments []*types.SegmentState) {
	cursor := 1
	for _, seg := range segments {
		seg.StartLine = cursor
		cursor += strings.Count(seg.Current, "\n")
		seg.EndLine = cursor
	}
}

// findFileState resolves a compiler-reported path to a tracked file. Exact
// match first, then a unique basename match for compilers that strip
// directories.
func findFileState(fileStates map[string]*types.FileState, errorFileRel string) *types.FileState {
	normalized := strings.ReplaceAll(errorFileRel, "\\", "/")
	if state, ok := fileStates[normalized]; ok {
		return state
	}

	basename := filepath.Base(normalized)
	var matches []*types.FileState
	for rel, state := range fileStates {
		if filepath.Base(rel) == basename {
			matches = append(matches, state)
		}
	}
	if len(matches) == 1 {
		return matches[0]
	}
	return nil
}

// repairFileState reverts translated segments that intersect the error window
// [line-window, line+window] back to their originals and rewrites the file.
// When nothing intersects, the nearest still-translated segment is reverted
// instead, so every repair attempt makes progress. Returns false when the
// file is unknown or fully reverted already.
func repairFileState(fileStates map[string]*types.FileState, translatedRoot, errorFileRel string, errorLine, window int) bool {
	state := findFileState(fileStates, errorFileRel)
	if state == nil {
		return false
	}

	line := errorLine
	if line < 1 {
		line = 1
	}
	if window < 1 {
		window = 1
	}
	lo := line - window
	if lo < 1 {
		lo = 1
	}
	hi := line + window

	changed := 0
	for _, seg := range state.Segments {
		if !seg.Translatable || seg.Current == seg.Original {
			continue
		}
		if seg.EndLine < lo || seg.StartLine > hi {
			continue
		}
		seg.Current = seg.Original
		changed++
	}

	if changed == 0 {
		var nearest *types.SegmentState
		best := -1
		for _, seg := range state.Segments {
			if !seg.Translatable || seg.Current == seg.Original {
				continue
			}
			d := segmentDistance(seg, line)
			if best < 0 || d < best {
				best = d
				nearest = seg
			}
		}
		if nearest == nil {
			return false
		}
		nearest.Current = nearest.Original
		changed = 1
	}

	recomputeSegmentLines(state.Segments)
	assembled := splitter.EnsureSectionTitleBold(assembleSegments(state.Segments))
	outFile := filepath.Join(translatedRoot, filepath.FromSlash(state.RelPath))
	if err := os.WriteFile(outFile, []byte(assembled), 0o644); err != nil {
		return false
	}
	state.RepairedSegments += changed
	return true
}

func segmentDistance(seg *types.SegmentState, line int) int {
	if seg.StartLine <= line && line <= seg.EndLine {
		return 0
	}
	if line < seg.StartLine {
		return seg.StartLine - line
	}
	return line - seg.EndLine
}
