// Package logging builds the slog.Logger a Database writes to.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Formats accepted by New.
const (
	FormatTint = "tint"
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing to w. The tint format colours output only
// when w is a terminal.
func New(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: dropEmpty}))
	case FormatText:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: dropEmpty}))
	default:
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
			w = colorable.NewColorable(f)
		}
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       level,
			TimeFormat:  "15:04:05.000",
			NoColor:     noColor,
			ReplaceAttr: dropEmpty,
		}))
	}
}

// Stderr is New on os.Stderr.
func Stderr(level slog.Leveler, format string) *slog.Logger {
	return New(os.Stderr, level, format)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// dropEmpty removes attributes that carry no information: empty strings and
// false booleans.
func dropEmpty(groups []string, a slog.Attr) slog.Attr {
	switch v := a.Value.Any().(type) {
	case string:
		if v == "" && a.Key != slog.MessageKey {
			return slog.Attr{}
		}
	case bool:
		if !v {
			return slog.Attr{}
		}
	}
	return a
}
