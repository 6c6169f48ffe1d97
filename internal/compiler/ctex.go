package compiler

import (
	"os"
	"regexp"
	"strings"

	"arxiv-translate/internal/types"
)

const (
	cjkFallbackBegin = "%% ARXIV_TRANSLATE_CJK_FONT_FALLBACK_BEGIN"
	cjkFallbackEnd   = "%% ARXIV_TRANSLATE_CJK_FONT_FALLBACK_END"
)

// cjkFallbackBlock probes installed CJK fonts under XeTeX and binds the first
// hit. Default ctex fonts (Fandol) are often absent from minimal TeX Live
// installs, which makes an otherwise valid translation fail to compile.
var cjkFallbackBlock = cjkFallbackBegin + `
\ifdefined\XeTeXversion
\providecommand{\pdfinfo}[1]{}
\makeatletter
\@ifundefined{IfFontExistsTF}{}{%
  \@ifundefined{setCJKmainfont}{}{%
    \IfFontExistsTF{Noto Serif CJK SC}{\setCJKmainfont{Noto Serif CJK SC}}{%
      \IfFontExistsTF{Source Han Serif SC}{\setCJKmainfont{Source Han Serif SC}}{%
        \IfFontExistsTF{AR PL UMing CN}{\setCJKmainfont{AR PL UMing CN}}{%
          \IfFontExistsTF{Droid Sans Fallback}{\setCJKmainfont{Droid Sans Fallback}}{}%
        }%
      }%
    }%
    \IfFontExistsTF{Noto Sans CJK SC}{\setCJKsansfont{Noto Sans CJK SC}}{%
      \IfFontExistsTF{Source Han Sans SC}{\setCJKsansfont{Source Han Sans SC}}{}%
    }%
    \IfFontExistsTF{Noto Sans Mono CJK SC}{\setCJKmonofont{Noto Sans Mono CJK SC}}{}%
  }%
}
\makeatother
\fi
` + cjkFallbackEnd

var (
	documentclassPattern = regexp.MustCompile(`\\documentclass(?:\[[^\]]*\])?\{[^}]+\}`)
	ctexPackagePattern   = regexp.MustCompile(`\\usepackage(?:\[[^\]]*\])?\{ctex\}`)
)

func insertAfterDocumentclass(text, block string) string {
	loc := documentclassPattern.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return text[:loc[1]] + "\n" + block + "\n" + text[loc[1]:]
}

func insertAfterCtexPackage(text, block string) string {
	loc := ctexPackagePattern.FindStringIndex(text)
	if loc == nil {
		return insertAfterDocumentclass(text, block)
	}
	return text[:loc[1]] + "\n" + block + "\n" + text[loc[1]:]
}

// EnsureCtexSupport makes the main file preamble Chinese-capable under
// xelatex: the ctex package, a CJK font fallback block, and the url package.
// The injection is idempotent so repair retries never stack duplicates.
// Returns true when the file was modified.
func EnsureCtexSupport(mainTexPath string) (bool, error) {
	data, err := os.ReadFile(mainTexPath)
	if err != nil {
		return false, types.NewAppErrorWithDetails(types.ErrFileNotFound, "main tex file not readable", mainTexPath, err)
	}
	text := string(data)
	changed := false

	hasCtex := strings.Contains(text, `\usepackage{ctex}`) || strings.Contains(text, `\usepackage[UTF8]{ctex}`)
	if !hasCtex {
		updated := insertAfterDocumentclass(text, `\usepackage[UTF8]{ctex}`)
		if updated == text {
			return false, nil
		}
		text = updated
		changed = true
	}

	if !strings.Contains(text, cjkFallbackBegin) {
		text = insertAfterCtexPackage(text, cjkFallbackBlock)
		changed = true
	}

	if !strings.Contains(text, "{url}") {
		text = insertAfterCtexPackage(text, `\usepackage{url}`)
		changed = true
	}

	if changed {
		if err := os.WriteFile(mainTexPath, []byte(text), 0o644); err != nil {
			return false, types.NewAppError(types.ErrInternal, "failed to write main tex file", err)
		}
	}
	return changed, nil
}
