// Package logging provides the compact slog handler used by every feishurelay command.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	grayText   = color.New(color.FgHiBlack).SprintFunc()
	redText    = color.New(color.FgRed).SprintFunc()
	yellowText = color.New(color.FgYellow).SprintFunc()
	cyanText   = color.New(color.FgCyan).SprintFunc()
)

// Multi-line attributes rendered as an indented block under the log line.
var blockKeys = map[string]bool{
	"reply": true,
	"body":  true,
}

// Options configures a Handler.
type Options struct {
	Level slog.Leveler
	Color bool
}

// Handler is a compact, optionally colored slog handler.
type Handler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	color bool
	attrs []slog.Attr
	group string
}

// NewHandler creates a new log handler.
func NewHandler(w io.Writer, opts *Options) *Handler {
	if opts == nil {
		opts = &Options{}
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		w:     w,
		mu:    &sync.Mutex{},
		level: level,
		color: opts.Color,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format("2006-01-02 15:04:05")
	lvl := levelLabel(r.Level)

	var inline strings.Builder
	var blocks []string
	add := func(a slog.Attr, group string) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if blockKeys[a.Key] && strings.Contains(a.Value.String(), "\n") {
			blocks = append(blocks, a.Value.String())
			return
		}
		if group != "" {
			a.Key = group + "." + a.Key
		}
		inline.WriteString(h.fmtAttr(a))
	}
	// Logger attrs carry their group prefix already.
	for _, a := range h.attrs {
		add(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a, h.group)
		return true
	})

	var sb strings.Builder
	if h.color {
		fmt.Fprintf(&sb, "%s %s %s%s\n", grayText(ts), colorLevel(r.Level, lvl), r.Message, inline.String())
	} else {
		fmt.Fprintf(&sb, "%s %s %s%s\n", ts, lvl, r.Message, inline.String())
	}
	for _, text := range blocks {
		for _, line := range strings.Split(text, "\n") {
			if h.color {
				fmt.Fprintf(&sb, "  %s %s\n", grayText("│"), line)
			} else {
				fmt.Fprintf(&sb, "  | %s\n", line)
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		combined = append(combined, a)
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, color: h.color, attrs: combined, group: h.group}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, color: h.color, attrs: h.attrs, group: group}
}

func (h *Handler) fmtAttr(a slog.Attr) string {
	key := a.Key
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\n\"") {
		val = fmt.Sprintf("%q", val)
	}
	if h.color {
		return fmt.Sprintf(" %s=%s", grayText(key), val)
	}
	return fmt.Sprintf(" %s=%s", key, val)
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERR"
	case level >= slog.LevelWarn:
		return "WRN"
	case level >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}

func colorLevel(level slog.Level, label string) string {
	switch {
	case level >= slog.LevelError:
		return redText(label)
	case level >= slog.LevelWarn:
		return yellowText(label)
	case level >= slog.LevelInfo:
		return cyanText(label)
	default:
		return grayText(label)
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the handler as the process default logger writing to w.
// Color is only honoured when w is a terminal.
func Setup(w io.Writer, level string, useColor bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if f, ok := w.(*os.File); !ok || color.NoColor || !isTerminal(f) {
		useColor = false
	}
	logger := slog.New(NewHandler(w, &Options{Level: ParseLevel(level), Color: useColor}))
	slog.SetDefault(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
