// Package texproject locates the effective root, the main entry file, and the
// translatable tex files of an extracted arXiv source package.
package texproject

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"arxiv-translate/internal/types"
)

// NormalizeProjectRoot descends into a single wrapper directory when the
// archive wraps everything in one folder. macOS resource directories do not
// count as content.
func NormalizeProjectRoot(extractDir string) string {
	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return extractDir
	}
	var children []os.DirEntry
	for _, e := range entries {
		if e.Name() == "__MACOSX" {
			continue
		}
		children = append(children, e)
	}
	if len(children) == 1 && children[0].IsDir() {
		inner := filepath.Join(extractDir, children[0].Name())
		if hasTexFiles(inner) {
			return inner
		}
	}
	return extractDir
}

func hasTexFiles(root string) bool {
	found := false
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".tex") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// DiscoverTexFiles returns project-relative .tex paths sorted lexically,
// skipping anything under a dot directory.
func DiscoverTexFiles(projectRoot string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(projectRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != projectRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".tex") {
			return nil
		}
		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrInternal, "failed to scan project files", err)
	}
	sort.Strings(files)
	return files, nil
}

// Keywords that suggest a candidate is a conference template rather than the
// paper itself.
var templateKeywords = []string{"template", "guidelines", "instruction for authors", "blind review"}

func scoreMainTex(content, relPath string) int {
	score := 0
	if strings.Contains(content, `\documentclass`) {
		score += 10
	}
	if strings.Contains(content, `\begin{document}`) {
		score += 6
	}
	if strings.Contains(content, `\title{`) {
		score += 3
	}
	if strings.Contains(content, `\input{`) || strings.Contains(content, `\include{`) {
		score += 2
	}

	lowered := strings.ToLower(content)
	for _, keyword := range templateKeywords {
		if strings.Contains(lowered, keyword) {
			score -= 3
		}
	}
	if strings.HasPrefix(strings.ToLower(filepath.Base(relPath)), "merge") {
		score -= 2
	}
	return score
}

// FindMainTexFile picks one entry file among texFiles by a documentclass
// scoring heuristic. Ties break toward the shorter path, which favors a
// top-level main over nested appendix files.
func FindMainTexFile(projectRoot string, texFiles []string) (string, error) {
	if len(texFiles) == 0 {
		return "", types.NewAppError(types.ErrFileNotFound, "no .tex files found in source package", nil)
	}

	type candidate struct {
		score int
		rel   string
	}
	var candidates []candidate
	for _, rel := range texFiles {
		data, err := os.ReadFile(filepath.Join(projectRoot, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		content := string(data)
		if !strings.Contains(content, `\documentclass`) {
			continue
		}
		candidates = append(candidates, candidate{score: scoreMainTex(content, rel), rel: rel})
	}
	if len(candidates) == 0 {
		return "", types.NewAppError(types.ErrFileNotFound, `no tex file with \documentclass found`, nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return len(candidates[i].rel) < len(candidates[j].rel)
	})
	return candidates[0].rel, nil
}

var (
	texCmdWithArgPattern = regexp.MustCompile(`\\[a-zA-Z]+\*?(?:\[[^\]]*\])?\{([^{}]*)\}`)
	texBareCmdPattern    = regexp.MustCompile(`\\[a-zA-Z]+\*?`)
	spaceRunPattern      = regexp.MustCompile(`\s+`)
)

// titleCommands ordered by specificity; generic \title last would match a
// template leftover before a conference-specific command fills it.
var titleCommands = []string{"title", "icmltitle", "iclrtitle", "neuripsfinalcopytitle"}

func extractCommandPayload(text, command string) (string, bool) {
	pattern := regexp.MustCompile(`(?s)\\` + regexp.QuoteMeta(command) + `\*?(?:\s*\[[^\]]*\])*\s*\{`)
	loc := pattern.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	openPos := loc[1] - 1
	level := 0
	for i := openPos; i < len(text); i++ {
		switch text[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return text[openPos+1 : i], true
			}
		}
	}
	return "", false
}

func cleanTexTitle(raw string) string {
	out := strings.TrimSpace(raw)
	if out == "" {
		return ""
	}
	out = texCmdWithArgPattern.ReplaceAllString(out, "$1")
	out = texBareCmdPattern.ReplaceAllString(out, " ")
	out = strings.NewReplacer("{", " ", "}", " ", "~", " ").Replace(out)
	out = strings.TrimSpace(spaceRunPattern.ReplaceAllString(out, " "))
	if runes := []rune(out); len(runes) > 240 {
		out = string(runes[:240])
	}
	return out
}

// ExtractPaperTitle reads the main file and returns a cleaned plain-text
// title, or empty when none of the known title commands is present.
func ExtractPaperTitle(projectRoot, mainTexRel string) string {
	data, err := os.ReadFile(filepath.Join(projectRoot, filepath.FromSlash(mainTexRel)))
	if err != nil {
		return ""
	}
	text := string(data)
	for _, cmd := range titleCommands {
		payload, ok := extractCommandPayload(text, cmd)
		if !ok {
			continue
		}
		if cleaned := cleanTexTitle(payload); cleaned != "" {
			return cleaned
		}
	}
	return ""
}
