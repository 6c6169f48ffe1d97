// Package splitter implements the LaTeX segmentation and masking engine.
// It classifies source text into translatable prose and protected markup by
// building a per-character mask, narrowing it with ordered structural rules,
// then widening back prose-bearing payloads (abstract bodies, captions).
// The resulting segments partition the input exactly.
package splitter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"arxiv-translate/internal/types"
)

const (
	// ShortSegmentMinChars demotes translatable runs whose trimmed core is
	// shorter than this; tiny spans are unsafe to translate in isolation.
	ShortSegmentMinChars = 42
	// envRecursionLineLimit keeps begin/end environments whole unless their
	// body spans at least this many lines, in which case the rule descends
	// into the body instead.
	envRecursionLineLimit = 42
	// frontmatterMaxSpan bounds the document-start..maketitle metadata
	// region so unusual templates with a distant \maketitle do not swallow
	// half the body.
	frontmatterMaxSpan = 12000
	// MinChunkTokens is the floor for the per-chunk token budget.
	MinChunkTokens = 256

	braceScanLimit = 1024 * 32
)

var (
	preambleEndPattern = regexp.MustCompile(`\\maketitle|\\begin\{document\}`)
	beginDocPattern    = regexp.MustCompile(`\\begin\{document\}`)
	makeTitlePattern   = regexp.MustCompile(`\\maketitle\b`)
	beginEnvPattern    = regexp.MustCompile(`\\begin\{([a-zA-Z*]+)\}`)

	abstractEnvPattern = regexp.MustCompile(`(?s)\\begin\{abstract\}(.*?)\\end\{abstract\}`)
	abstractCmdPattern = regexp.MustCompile(`\\abstract\{`)
	captionCmdPattern  = regexp.MustCompile(`\\caption\{`)

	// Whole command blocks for these metadata commands stay protected,
	// including optional stars and bracket options (\author[1]{...}).
	metadataCmdPattern = regexp.MustCompile(`\\(?:title|author|date|thanks|institute|affiliation|affil|address|email|emails|icmltitle|icmlauthor|icmlaffiliation|icmlcorrespondingauthor|authornote)\*?(?:\s*\[[^\]]*\])*\s*\{`)

	// Structural patterns that must never be altered. Rule order matters:
	// these run after the environment recursion and before the widen-backs.
	preservePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)\\iffalse.*?\\fi`),
		regexp.MustCompile(`(?s)\$\$[^$]+\$\$`),
		regexp.MustCompile(`(?s)\\\[.*?\\\]`),
		regexp.MustCompile(`\\section\*?\{.*?\}`),
		regexp.MustCompile(`\\subsection\*?\{.*?\}`),
		regexp.MustCompile(`\\subsubsection\*?\{.*?\}`),
		regexp.MustCompile(`\\bibliography\{.*?\}`),
		regexp.MustCompile(`\\bibliographystyle\{.*?\}`),
		regexp.MustCompile(`(?s)\\begin\{thebibliography\}.*?\\end\{thebibliography\}`),
		regexp.MustCompile(`(?s)\\begin\{lstlisting\}.*?\\end\{lstlisting\}`),
		regexp.MustCompile(`(?s)\\begin\{algorithm\}.*?\\end\{algorithm\}`),
		regexp.MustCompile(`(?s)\\begin\{wraptable\}.*?\\end\{wraptable\}`),
		regexp.MustCompile(`(?s)\\begin\{wrapfigure\*?\}.*?\\end\{wrapfigure\*?\}`),
		regexp.MustCompile(`(?s)\\begin\{figure\*?\}.*?\\end\{figure\*?\}`),
		regexp.MustCompile(`(?s)\\begin\{table\*?\}.*?\\end\{table\*?\}`),
		regexp.MustCompile(`(?s)\\begin\{minipage\*?\}.*?\\end\{minipage\*?\}`),
		regexp.MustCompile(`(?s)\\begin\{multline\*?\}.*?\\end\{multline\*?\}`),
		regexp.MustCompile(`(?s)\\begin\{align\*?\}.*?\\end\{align\*?\}`),
		regexp.MustCompile(`(?s)\\begin\{equation\*?\}.*?\\end\{equation\*?\}`),
		regexp.MustCompile(`\\includepdf\[[^\]]*\]\{[^}]*\}`),
		regexp.MustCompile(`\\(clearpage|newpage|appendix|tableofcontents)\b`),
		regexp.MustCompile(`\\include\{[^}]*\}`),
		regexp.MustCompile(`\\vspace\{.*?\}`),
		regexp.MustCompile(`\\hspace\{.*?\}`),
		regexp.MustCompile(`\\label\{.*?\}`),
		regexp.MustCompile(`\\begin\{[^}]*\}`),
		regexp.MustCompile(`\\end\{[^}]*\}`),
		regexp.MustCompile(`\\item(?:\[[^\]]*\])?\s*`),
		regexp.MustCompile(`(?s)\\pdfinfo\s*\{.*?\}`),
	}

	// Environments whose bodies carry prose; the short-block rule descends
	// into them instead of protecting the whole block.
	envAllowList = map[string]bool{
		"document":    true,
		"abstract":    true,
		"theorem":     true,
		"proposition": true,
		"corollary":   true,
		"lemma":       true,
		"definition":  true,
		"proof":       true,
		"remark":      true,
		"claim":       true,
		"example":     true,
		"restatable":  true,
		"sproof":      true,
		"em":          true,
		"emph":        true,
		"textit":      true,
		"textbf":      true,
		"itemize":     true,
		"enumerate":   true,
	}
)

// StripLatexComments removes LaTeX comments before segmentation: full-line
// comments are dropped, inline text from an unescaped % to end of line is
// removed.
func StripLatexComments(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "%") {
			continue
		}
		kept = append(kept, stripInlineComment(line))
	}
	return strings.Join(kept, "\n")
}

func stripInlineComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '%' {
			continue
		}
		if i > 0 && line[i-1] == '\\' {
			continue
		}
		return line[:i]
	}
	return line
}

func markRange(mask []bool, start, end int, value bool) {
	if start < 0 {
		start = 0
	}
	if end > len(mask) {
		end = len(mask)
	}
	for i := start; i < end; i++ {
		mask[i] = value
	}
}

func markPattern(text string, mask []bool, re *regexp.Regexp, value bool) {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		markRange(mask, loc[0], loc[1], value)
	}
}

// markFrontmatterRegion protects the title metadata area between
// \begin{document} and \maketitle even though it sits inside the body.
func markFrontmatterRegion(text string, mask []bool) {
	beginDoc := beginDocPattern.FindStringIndex(text)
	makeTitle := makeTitlePattern.FindStringIndex(text)
	if beginDoc == nil || makeTitle == nil {
		return
	}
	if makeTitle[0] <= beginDoc[1] {
		return
	}
	if makeTitle[0]-beginDoc[1] > frontmatterMaxSpan {
		return
	}
	markRange(mask, beginDoc[1], makeTitle[1], false)
}

// markCommandBlocks protects whole metadata command blocks including their
// balanced-brace payloads.
func markCommandBlocks(text string, mask []bool) {
	for _, loc := range metadataCmdPattern.FindAllStringIndex(text, -1) {
		begin := loc[0]
		p := loc[1] - 1 // the opening brace
		level := 0
		for steps := 0; steps < braceScanLimit && p < len(text); steps++ {
			switch text[p] {
			case '{':
				level++
			case '}':
				level--
				if level == 0 {
					p++
					goto done
				}
			}
			p++
		}
	done:
		markRange(mask, begin, p, false)
	}
}

type envMatch struct {
	wholeStart, wholeEnd int
	bodyStart, bodyEnd   int
	name                 string
}

// findEnvMatches emulates a non-greedy \begin{name}...\end{name} scan: each
// \begin pairs with the earliest matching \end, and scanning resumes after
// the match.
func findEnvMatches(text string) []envMatch {
	var out []envMatch
	pos := 0
	for pos < len(text) {
		loc := beginEnvPattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		name := text[pos+loc[2] : pos+loc[3]]
		bodyStart := pos + loc[1]
		endTok := `\end{` + name + `}`
		idx := strings.Index(text[bodyStart:], endTok)
		if idx < 0 {
			pos = bodyStart
			continue
		}
		out = append(out, envMatch{
			wholeStart: pos + loc[0],
			wholeEnd:   bodyStart + idx + len(endTok),
			bodyStart:  bodyStart,
			bodyEnd:    bodyStart + idx,
			name:       name,
		})
		pos = bodyStart + idx + len(endTok)
	}
	return out
}

// markShortBeginEndBlocks recursively protects short begin/end environments.
// Allow-listed or long environments are descended into instead, so inner
// structures still get handled; recursion is bounded by the shrinking span.
func markShortBeginEndBlocks(text string, mask []bool, limitLines int) {
	var walk func(sub string, offset int)
	walk = func(sub string, offset int) {
		for _, m := range findEnvMatches(sub) {
			body := sub[m.bodyStart:m.bodyEnd]
			if envAllowList[m.name] || strings.Count(body, "\n") >= limitLines {
				walk(body, offset+m.bodyStart)
			} else {
				markRange(mask, offset+m.wholeStart, offset+m.wholeEnd, false)
			}
		}
	}
	walk(text, 0)
}

// unmaskCarefulBrace re-enables the payload of a command for translation
// while the command wrapper itself stays protected. The payload ends at the
// closing brace that balances the one in the pattern.
func unmaskCarefulBrace(text string, mask []bool, re *regexp.Regexp) {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		begin := loc[1]
		p := begin
		level := 0
	scan:
		for steps := 0; steps < braceScanLimit/2 && p < len(text); steps++ {
			switch text[p] {
			case '}':
				if level == 0 {
					break scan
				}
				level--
			case '{':
				level++
			}
			p++
		}
		markRange(mask, begin, p, true)
	}
}

// buildTranslationMask applies the masking rules in their fixed order:
// narrow (preamble, frontmatter, metadata commands, short environments,
// structural patterns), then widen back abstract and caption payloads.
func buildTranslationMask(text string) []bool {
	mask := make([]bool, len(text))
	for i := range mask {
		mask[i] = true
	}

	if loc := preambleEndPattern.FindStringIndex(text); loc != nil {
		markRange(mask, 0, loc[1], false)
	}
	markFrontmatterRegion(text, mask)
	markCommandBlocks(text, mask)
	markShortBeginEndBlocks(text, mask, envRecursionLineLimit)

	for _, re := range preservePatterns {
		markPattern(text, mask, re, false)
	}

	for _, loc := range abstractEnvPattern.FindAllStringSubmatchIndex(text, -1) {
		markRange(mask, loc[2], loc[3], true)
	}
	unmaskCarefulBrace(text, mask, abstractCmdPattern)
	unmaskCarefulBrace(text, mask, captionCmdPattern)
	return mask
}

type run struct {
	text         string
	translatable bool
}

// postProcessRuns demotes too-short translatable runs to protected and
// merges adjacent runs with the same classification.
func postProcessRuns(runs []run) []run {
	adjusted := make([]run, 0, len(runs))
	for _, r := range runs {
		flag := r.translatable
		if flag {
			core := strings.TrimSpace(r.text)
			if utf8.RuneCountInString(core) < ShortSegmentMinChars {
				flag = false
			}
		}
		adjusted = append(adjusted, run{text: r.text, translatable: flag})
	}

	merged := make([]run, 0, len(adjusted))
	for _, r := range adjusted {
		if n := len(merged); n > 0 && merged[n-1].translatable == r.translatable {
			merged[n-1].text += r.text
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Segment classifies text into an ordered list of segments whose
// concatenation reproduces text exactly. Empty input yields no segments.
func Segment(text string) []types.Segment {
	if text == "" {
		return nil
	}
	mask := buildTranslationMask(text)

	var raw []run
	for i := 0; i < len(text); {
		flag := mask[i]
		j := i + 1
		for j < len(text) && mask[j] == flag {
			j++
		}
		raw = append(raw, run{text: text[i:j], translatable: flag})
		i = j
	}

	runs := postProcessRuns(raw)
	segments := make([]types.Segment, 0, len(runs))
	line := 1
	for _, r := range runs {
		endLine := line + strings.Count(r.text, "\n")
		segments = append(segments, types.Segment{
			Text:         r.text,
			Translatable: r.translatable,
			StartLine:    line,
			EndLine:      endLine,
		})
		line = endLine
	}
	return segments
}

// Split-point separators, tried in preference order: paragraph break,
// newline, sentence-final punctuation, clause punctuation.
var splitSeparators = []string{"\n\n", "\n", ". ", "。", "; ", "；", ", ", "，"}

func toRuneBoundary(text string, idx int) int {
	for idx > 0 && idx < len(text) && !utf8.RuneStart(text[idx]) {
		idx--
	}
	return idx
}

// pickSplitIndex chooses the split position nearest the token-proportional
// midpoint, restricted to the middle 70% of the text so splits stay useful.
func pickSplitIndex(text string, maxTokens int) int {
	total := EstimateTokenCount(text)
	if total <= maxTokens || len(text) < 2 {
		return -1
	}

	target := int(float64(len(text)) * float64(maxTokens) / float64(total))
	if target < 1 {
		target = 1
	}
	if target > len(text)-1 {
		target = len(text) - 1
	}
	minPos := len(text) * 15 / 100
	if minPos < 1 {
		minPos = 1
	}
	maxPos := len(text) * 85 / 100
	if maxPos > len(text)-1 {
		maxPos = len(text) - 1
	}

	var candidates []int
	for _, sep := range splitSeparators {
		if left := strings.LastIndex(text[:min(target+1, len(text))], sep); left != -1 {
			if idx := left + len(sep); idx >= minPos && idx <= maxPos {
				candidates = append(candidates, idx)
			}
		}
		if right := strings.Index(text[target:], sep); right != -1 {
			if idx := target + right + len(sep); idx >= minPos && idx <= maxPos {
				candidates = append(candidates, idx)
			}
		}
	}

	if len(candidates) == 0 {
		return toRuneBoundary(text, target)
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if abs(c-target) < abs(best-target) {
			best = c
		}
	}
	return best
}

func splitTextToTokenLimit(text string, maxTokens int) []string {
	if text == "" {
		return nil
	}
	if EstimateTokenCount(text) <= maxTokens {
		return []string{text}
	}

	idx := pickSplitIndex(text, maxTokens)
	if idx <= 0 || idx >= len(text) {
		idx = toRuneBoundary(text, len(text)/2)
	}
	if idx < 1 {
		idx = 1
	}
	if idx > len(text)-1 {
		idx = len(text) - 1
	}

	left, right := text[:idx], text[idx:]
	if left == "" || right == "" {
		return []string{text}
	}
	return append(splitTextToTokenLimit(left, maxTokens), splitTextToTokenLimit(right, maxTokens)...)
}

// SplitByTokenLimit further splits translatable segments whose estimated
// token count exceeds maxTokens. Line ranges of the produced segments are
// recomputed from the cursor of the segment they came from.
func SplitByTokenLimit(segments []types.Segment, maxTokens int) []types.Segment {
	limit := maxTokens
	if limit < MinChunkTokens {
		limit = MinChunkTokens
	}

	out := make([]types.Segment, 0, len(segments))
	for _, seg := range segments {
		if !seg.Translatable || EstimateTokenCount(seg.Text) <= limit {
			out = append(out, seg)
			continue
		}
		line := seg.StartLine
		for _, chunk := range splitTextToTokenLimit(seg.Text, limit) {
			inc := strings.Count(chunk, "\n")
			out = append(out, types.Segment{
				Text:         chunk,
				Translatable: true,
				StartLine:    line,
				EndLine:      line + inc,
			})
			line += inc
		}
	}
	return out
}

// BuildTranslatable segments text and splits translatable segments down to
// the token budget.
func BuildTranslatable(text string, maxTokens int) []types.Segment {
	return SplitByTokenLimit(Segment(text), maxTokens)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
