// Package arxiv resolves arXiv identifiers from free-form user input.
package arxiv

import (
	"regexp"
	"strings"

	"arxiv-translate/internal/types"
)

var (
	// URL forms: arxiv.org/abs/<id> or arxiv.org/pdf/<id>[.pdf]
	urlIDPattern = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?arxiv\.org/(?:abs|pdf)/((?:\d{4}\.\d{4,5}|[a-z\-]+/\d{7})(?:v\d+)?)(?:\.pdf)?`)
	// Bare ids: new format YYMM.NNNNN or old format category/NNNNNNN,
	// optionally with a version suffix.
	bareIDPattern = regexp.MustCompile(`(?i)\b((?:\d{4}\.\d{4,5}|[a-z\-]+/\d{7})(?:v\d+)?)\b`)

	newIDPattern = regexp.MustCompile(`(?i)^(\d{4}\.\d{4,5})(v\d+)?$`)
	oldIDPattern = regexp.MustCompile(`(?i)^([a-z\-]+/\d{7})(v\d+)?$`)
)

const trailingPunct = ".,;:!?)]}\"'`>"

// Target is a normalized arXiv reference extracted from user input.
type Target struct {
	// PaperID keeps the version suffix when present (e.g. 2301.00001v2).
	PaperID string
	// CanonicalID omits the version suffix; it is the cache/sharding key.
	CanonicalID string
	// SafeID is CanonicalID made filesystem-safe (old-format slashes
	// replaced).
	SafeID string
	// SourceFragment is the raw text the target was extracted from.
	SourceFragment string
}

// NormalizeID normalizes a raw arXiv id string. It accepts optional "arxiv:"
// prefixes and ".pdf" suffixes and returns (paperID with version, canonical
// id without version). ok is false when the value is not an arXiv id.
func NormalizeID(raw string) (paperID, canonicalID string, ok bool) {
	value := strings.Trim(strings.TrimSpace(raw), trailingPunct)
	if value == "" {
		return "", "", false
	}

	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "arxiv:") {
		value = value[len("arxiv:"):]
		lower = lower[len("arxiv:"):]
	}
	if strings.HasSuffix(lower, ".pdf") {
		value = value[:len(value)-len(".pdf")]
	}

	if m := newIDPattern.FindStringSubmatch(value); m != nil {
		return m[1] + m[2], m[1], true
	}
	if m := oldIDPattern.FindStringSubmatch(value); m != nil {
		canonical := strings.ToLower(m[1])
		return canonical + strings.ToLower(m[2]), canonical, true
	}
	return "", "", false
}

// SafeID converts a canonical id to a filesystem-safe directory name.
func SafeID(canonicalID string) string {
	return strings.ReplaceAll(canonicalID, "/", "_")
}

// ExtractTargets parses zero-to-many unique arXiv references from a whole
// input message, URL forms first. Order follows first appearance.
func ExtractTargets(message string, maxRefs int) []Target {
	text := strings.TrimSpace(message)
	if text == "" {
		return nil
	}

	var targets []Target
	seen := make(map[string]bool)

	add := func(rawID, fragment string) {
		paperID, canonicalID, ok := NormalizeID(rawID)
		if !ok || seen[paperID] {
			return
		}
		seen[paperID] = true
		if fragment == "" {
			fragment = rawID
		}
		targets = append(targets, Target{
			PaperID:        paperID,
			CanonicalID:    canonicalID,
			SafeID:         SafeID(canonicalID),
			SourceFragment: fragment,
		})
	}

	for _, m := range urlIDPattern.FindAllStringSubmatch(message, -1) {
		add(m[1], m[0])
	}
	for _, m := range bareIDPattern.FindAllStringSubmatch(message, -1) {
		add(m[1], m[0])
	}

	if maxRefs > 0 && len(targets) > maxRefs {
		targets = targets[:maxRefs]
	}
	return targets
}

// ResolveInput resolves user input into a single (paperID, canonicalID) pair.
// It fails with ErrInvalidInput when the text is empty or carries no
// recognizable arXiv reference.
func ResolveInput(raw string) (paperID, canonicalID string, err error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", "", types.NewAppError(types.ErrInvalidInput, "input text is empty", nil)
	}

	if targets := ExtractTargets(text, 1); len(targets) > 0 {
		return targets[0].PaperID, targets[0].CanonicalID, nil
	}
	if paperID, canonicalID, ok := NormalizeID(text); ok {
		return paperID, canonicalID, nil
	}
	return "", "", types.NewAppError(types.ErrInvalidInput, "no arXiv identifier found in input", nil)
}
