package cli

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

var (
	labelStyle   = ansi.Style{}.Bold()
	commentStyle = ansi.Style{}.Faint()
	opStyle      = ansi.Style{}.ForegroundColor(ansi.Cyan)
	predStyle    = ansi.Style{}.ForegroundColor(ansi.Yellow)
	errorStyle   = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
)

// useColor decides whether listings written to w are styled.
func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// colorize styles a listing line by line.
func colorize(listing string) string {
	lines := strings.SplitAfter(listing, "\n")
	var b strings.Builder
	for _, line := range lines {
		body := strings.TrimSuffix(line, "\n")
		nl := line[len(body):]
		b.WriteString(colorLine(body))
		b.WriteString(nl)
	}
	return b.String()
}

func colorLine(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]
	switch {
	case trimmed == "":
		return line
	case strings.HasPrefix(trimmed, "IR lowering error:"):
		return errorStyle.Styled(line)
	case strings.HasPrefix(trimmed, "//"):
		return indent + commentStyle.Styled(trimmed)
	case strings.HasSuffix(trimmed, ":") && !strings.Contains(trimmed, " "):
		return indent + labelStyle.Styled(trimmed)
	}

	op, rest, _ := strings.Cut(trimmed, " ")
	var b strings.Builder
	b.WriteString(indent)
	b.WriteString(opStyle.Styled(op))
	if rest == "" {
		return b.String()
	}
	b.WriteString(" ")
	if strings.HasPrefix(rest, "(f") || strings.HasPrefix(rest, "(~f") {
		if end := strings.IndexByte(rest, ')'); end > 0 {
			b.WriteString(predStyle.Styled(rest[:end+1]))
			rest = rest[end+1:]
		}
	}
	b.WriteString(rest)
	return b.String()
}

// pad left-aligns s in a column of width cells, ignoring styling.
func pad(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
