package splitter

import (
	"regexp"
	"strings"
)

// Substrings that signal a model refusal or tooling error leaked into the
// response. Any hit discards the translation and keeps the original segment.
var refusalSignals = []string{
	"Traceback",
	"[Local Message]",
	"抱歉，我无法",
	"公式无需翻译",
	"请提供您需要翻译的 LaTeX 片段",
	"请提供需要翻译的 LaTeX 片段",
	"Please provide the LaTeX",
	"I cannot comply",
	"I can’t comply",
	"I can't comply",
}

var (
	cmdSpaceBracePattern  = regexp.MustCompile(`\\([a-zA-Z]{2,20}) \{`)
	backslashSpaceCmdRe   = regexp.MustCompile(`\\ ([a-zA-Z]{2,20})\{`)
	bracketPayloadPattern = regexp.MustCompile(`\\([a-zA-Z]{2,20})\{([^}]*?)\}`)
	escapedUnderscore     = `\_`
)

// NormalizeTranslatedChunk removes accidental Markdown code-fence wrappers
// around a translated tex chunk.
func NormalizeTranslatedChunk(text string) string {
	out := strings.TrimSpace(text)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	lines := strings.Split(out, "\n")
	if len(lines) >= 2 && strings.HasPrefix(lines[0], "```") && strings.HasPrefix(lines[len(lines)-1], "```") {
		out = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return out
}

// escapeBarePercent escapes % characters not already escaped, so translated
// prose cannot accidentally comment out the rest of a line.
func escapeBarePercent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && (i == 0 || s[i-1] != '\\') {
			b.WriteString(`\%`)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// escapeBareUnderscores escapes _ characters not already escaped.
func escapeBareUnderscores(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '_' && (i == 0 || s[i-1] != '\\') {
			b.WriteString(`\_`)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// normalizeBracketPayloads rewrites fullwidth punctuation the model tends to
// introduce inside simple bracketed commands.
func normalizeBracketPayloads(s string) string {
	return bracketPayloadPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := bracketPayloadPattern.FindStringSubmatch(m)
		payload := strings.ReplaceAll(sub[2], "：", ":")
		payload = strings.ReplaceAll(payload, "，", ",")
		return `\` + sub[1] + "{" + payload + "}"
	})
}

func braceLevel(s string) int {
	level := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			level++
		case '}':
			level--
		}
	}
	return level
}

func findNextByte(s string, from int, want byte) int {
	for p := from; p < len(s); p++ {
		if s[p] == want {
			return p
		}
	}
	return -1
}

// joinMost walks original and translated in parallel over their
// brace-affecting characters, truncates the translation at the point the
// sequences diverge, and splices in the remaining original tail.
func joinMost(translated, original string) string {
	pT, pO := 0, 0
	for {
		var ch byte
		resO := -1
		for p := pO; p < len(original); p++ {
			if original[p] == '{' || original[p] == '}' {
				resO = p
				ch = original[p]
				break
			}
		}
		if resO < 0 {
			break
		}
		resT := findNextByte(translated, pT, ch)
		if resT < 0 {
			break
		}
		pO = resO + 1
		pT = resT + 1
	}
	return translated[:pT] + original[pO:]
}

// restoreEdgeWhitespace copies the original segment's leading and trailing
// whitespace onto the translated core so translated content is not glued to
// neighboring protected chunks.
func restoreEdgeWhitespace(original, translated string) string {
	if original == "" {
		return translated
	}
	lead := original[:len(original)-len(strings.TrimLeft(original, " \t\r\n"))]
	trail := original[len(strings.TrimRight(original, " \t\r\n")):]
	return lead + strings.TrimSpace(translated) + trail
}

// GuardTranslatedSegment validates and repairs a translated chunk against
// the original segment it replaces. The return value either preserves the
// original's structural token counts and brace balance, or is the original
// itself.
func GuardTranslatedSegment(original, translated string) string {
	out := NormalizeTranslatedChunk(translated)
	if out == "" {
		return original
	}

	for _, sig := range refusalSignals {
		if strings.Contains(out, sig) {
			return original
		}
	}

	out = escapeBarePercent(out)
	out = cmdSpaceBracePattern.ReplaceAllString(out, `\$1{`)
	out = backslashSpaceCmdRe.ReplaceAllString(out, `\$1{`)
	out = normalizeBracketPayloads(out)

	// Structural token counts must survive translation exactly.
	for _, tok := range []string{`\begin`, `\end`, `\item`, `\caption`} {
		if strings.Count(original, tok) != strings.Count(out, tok) {
			return original
		}
	}

	if n := strings.Count(original, escapedUnderscore); n > 0 && n > strings.Count(out, escapedUnderscore) {
		out = escapeBareUnderscores(out)
	}

	if braceLevel(out) != braceLevel(original) {
		out = joinMost(out, original)
		if braceLevel(out) != braceLevel(original) {
			return original
		}
	}

	// Runaway generation guard. Short spans are exempt: their relative
	// length variance is legitimately high.
	if len(original) >= 200 && len(out) > len(original)*3 {
		return original
	}

	return restoreEdgeWhitespace(original, out)
}

var sectionCmdPattern = regexp.MustCompile(`(?s)\\section\*?(?:\s*\[[^\]]*\])?\s*\{`)

func findMatchingBrace(text string, openPos int) int {
	if openPos < 0 || openPos >= len(text) || text[openPos] != '{' {
		return -1
	}
	level := 0
	for i := openPos; i < len(text); i++ {
		switch text[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return i
			}
		}
	}
	return -1
}

// EnsureSectionTitleBold wraps \section{...} payloads in \textbf{...} unless
// already emphasized. Some templates do not render translated headings in
// bold, so this acts as a template-independent fallback.
func EnsureSectionTitleBold(text string) string {
	if text == "" {
		return text
	}

	var parts []string
	cursor := 0
	for _, loc := range sectionCmdPattern.FindAllStringIndex(text, -1) {
		openPos := loc[1] - 1
		closePos := findMatchingBrace(text, openPos)
		if closePos < 0 {
			continue
		}

		parts = append(parts, text[cursor:openPos+1])
		title := text[openPos+1 : closePos]
		normalized := strings.ReplaceAll(strings.ReplaceAll(title, " ", ""), "\n", "")
		if strings.Contains(normalized, `\textbf{`) || strings.Contains(normalized, `\bfseries`) {
			parts = append(parts, title)
		} else {
			parts = append(parts, `\textbf{`+title+"}")
		}
		cursor = closePos
	}

	if len(parts) == 0 {
		return text
	}
	parts = append(parts, text[cursor:])
	return strings.Join(parts, "")
}
