package splitter

import (
	"strings"
	"testing"
)

func TestNormalizeTranslatedChunk(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "  hello  ", "hello"},
		{"fenced", "```latex\ncontent line\n```", "content line"},
		{"fence without language", "```\ncontent\n```", "content"},
		{"leading fence only", "```latex\ncontent", "```latex\ncontent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTranslatedChunk(tt.in); got != tt.want {
				t.Errorf("NormalizeTranslatedChunk(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGuardKeepsOriginalOnRefusal(t *testing.T) {
	original := "Some original paragraph that was sent for translation."
	for _, sig := range []string{"抱歉，我无法完成该请求", "Traceback (most recent call last)", "[Local Message] error"} {
		if got := GuardTranslatedSegment(original, sig); got != original {
			t.Errorf("refusal %q should fall back to original", sig)
		}
	}
}

func TestGuardKeepsOriginalOnEmpty(t *testing.T) {
	original := "text"
	if got := GuardTranslatedSegment(original, "   "); got != original {
		t.Error("empty translation should fall back to original")
	}
}

func TestGuardStructuralTokenCounts(t *testing.T) {
	original := `\begin{itemize}
\item first point with enough words here
\item second point with enough words here
\end{itemize}`
	dropped := `\begin{itemize}
\item 第一点内容
\end{itemize}`
	if got := GuardTranslatedSegment(original, dropped); got != original {
		t.Error("missing \\item should fall back to original")
	}

	kept := `\begin{itemize}
\item 第一点，内容足够
\item 第二点，内容足够
\end{itemize}`
	if got := GuardTranslatedSegment(original, kept); got == original {
		t.Error("structurally equal translation should be accepted")
	}
}

func TestGuardEscapesBarePercent(t *testing.T) {
	original := "accuracy improved by a lot in our experiments overall"
	translated := "准确率提升了 12% 以上"
	got := GuardTranslatedSegment(original, translated)
	if !strings.Contains(got, `12\%`) {
		t.Errorf("bare %% should be escaped, got %q", got)
	}
}

func TestGuardBraceMismatchFallsBack(t *testing.T) {
	original := `prose with \textbf{bold} inside and more following text`
	translated := `译文带有 \textbf{加粗 但缺少右括号`
	got := GuardTranslatedSegment(original, translated)
	if braceLevel(got) != braceLevel(original) {
		t.Errorf("guard output brace level %d != original %d", braceLevel(got), braceLevel(original))
	}
}

func TestGuardRunawayLengthFallsBack(t *testing.T) {
	original := strings.Repeat("sentence ", 30) // over 200 chars
	translated := strings.Repeat("很长的输出", 500)
	if got := GuardTranslatedSegment(original, translated); got != original {
		t.Error("runaway translation should fall back to original")
	}

	shortOriginal := "tiny"
	longTranslated := strings.Repeat("好", 60)
	if got := GuardTranslatedSegment(shortOriginal, longTranslated); got == shortOriginal {
		t.Error("short originals are exempt from the length cap")
	}
}

func TestGuardRestoresEdgeWhitespace(t *testing.T) {
	original := "\n\nA paragraph of text that is long enough to translate.\n\n"
	translated := "一个足够长的翻译段落。"
	got := GuardTranslatedSegment(original, translated)
	if !strings.HasPrefix(got, "\n\n") || !strings.HasSuffix(got, "\n\n") {
		t.Errorf("edge whitespace not restored: %q", got)
	}
}

func TestGuardReescapesUnderscores(t *testing.T) {
	original := `the metric name\_with\_underscores appears twice: x\_y`
	translated := `指标名 name_with_underscores 出现两次: x_y`
	got := GuardTranslatedSegment(original, translated)
	if strings.Count(got, `\_`) < strings.Count(original, `\_`) {
		t.Errorf("underscores not re-escaped: %q", got)
	}
}

func TestJoinMost(t *testing.T) {
	original := `a {b {c} d} tail`
	translated := `x {y {z`
	got := joinMost(translated, original)
	if braceLevel(got) != braceLevel(original) {
		t.Errorf("joinMost output %q has brace level %d, want %d", got, braceLevel(got), braceLevel(original))
	}
}

func TestEnsureSectionTitleBold(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"wraps plain title",
			`\section{Introduction}`,
			`\section{\textbf{Introduction}}`,
		},
		{
			"starred section",
			`\section*{Results}`,
			`\section*{\textbf{Results}}`,
		},
		{
			"already bold",
			`\section{\textbf{Methods}}`,
			`\section{\textbf{Methods}}`,
		},
		{
			"bfseries present",
			`\section{{\bfseries Setup}}`,
			`\section{{\bfseries Setup}}`,
		},
		{
			"nested braces in title",
			`\section{The \emph{real} story}`,
			`\section{\textbf{The \emph{real} story}}`,
		},
		{
			"no sections",
			"plain text only",
			"plain text only",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnsureSectionTitleBold(tt.in); got != tt.want {
				t.Errorf("EnsureSectionTitleBold(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEnsureSectionTitleBoldMultiple(t *testing.T) {
	in := `\section{One}
text between
\section{Two}`
	got := EnsureSectionTitleBold(in)
	if strings.Count(got, `\textbf{`) != 2 {
		t.Errorf("expected both titles wrapped, got %q", got)
	}
	if !strings.Contains(got, "text between") {
		t.Error("text between sections lost")
	}
}
