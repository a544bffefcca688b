package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler writes one line per record for local runs:
//
//	ts=12:04:05.120 lvl=[INFO] msg=presence.transition user_id=alice status=ONLINE src=service.go:123
type prettyHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	prefix string // dotted group path for attrs added after WithGroup
	pre    []byte // attrs rendered by WithAttrs
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, "ts="...)
	buf = append(buf, applyDim(ts.Format("15:04:05.000"), h.color)...)
	buf = append(buf, " lvl="...)
	buf = append(buf, levelTag(r.Level, h.color)...)
	buf = append(buf, " msg="...)
	buf = append(buf, applyBold(r.Message, h.color)...)
	buf = append(buf, h.pre...)

	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})

	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			buf = append(buf, " src="...)
			buf = append(buf, applyDim(filepath.Base(f.File)+":"+strconv.Itoa(f.Line), h.color)...)
		}
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.pre = append([]byte(nil), h.pre...)
	for _, a := range attrs {
		cp.pre = cp.appendAttr(cp.pre, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name = strings.TrimSpace(name); name == "" {
		return h
	}
	cp := *h
	cp.prefix = joinKey(h.prefix, name)
	return &cp
}

func (h *prettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) || strings.TrimSpace(a.Key) == "" && a.Value.Kind() != slog.KindGroup {
		return buf
	}
	key := joinKey(prefix, strings.TrimSpace(a.Key))

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, key, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, h.renderValue(key, a.Value)...)
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

// renderValue colours well-known top-level keys; grouped keys stay plain.
func (h *prettyHandler) renderValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(v.String()), h.color)
	case "path":
		return paint(v.String(), ansiCyan, h.color)
	case "status":
		if v.Kind() == slog.KindInt64 {
			return colorizeStatusCode(int(v.Int64()), h.color)
		}
		return colorizeToken(v.String(), h.color)
	case "status_class":
		return colorizeToken(v.String(), h.color)
	case "result":
		return colorizeToken(strings.ToLower(v.String()), h.color)
	case "duration_ms":
		if v.Kind() == slog.KindInt64 {
			return colorizeDurationMS(v.Int64(), h.color)
		}
	case "user_id", "connection_id":
		return applyDim(quoteIfNeeded(v.String()), h.color)
	}

	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return quoteIfNeeded(err.Error())
		}
		return quoteIfNeeded(fmt.Sprint(v.Any()))
	}
	return quoteIfNeeded(v.String())
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// palette maps a rendered token to its colour. Tokens missing here stay plain.
var palette = map[string]string{
	// levels
	"[ERROR]": ansiRed,
	"[WARN]":  ansiYellow,
	"[INFO]":  ansiBlue,
	"[DEBUG]": ansiMagenta,

	// HTTP
	"GET": ansiGreen, "HEAD": ansiGreen, "POST": ansiBlue,
	"PUT": ansiYellow, "PATCH": ansiYellow, "DELETE": ansiRed,
	"1xx": ansiCyan, "2xx": ansiGreen, "3xx": ansiCyan, "4xx": ansiYellow, "5xx": ansiRed,
	"success": ansiGreen, "redirect": ansiCyan, "upgraded": ansiCyan,
	"client_error": ansiYellow, "server_error": ansiRed,

	// presence
	"ONLINE":         ansiGreen,
	"AWAY":           ansiYellow,
	"BUSY":           ansiMagenta,
	"DO_NOT_DISTURB": ansiMagenta,
	"OFFLINE":        ansiDim,
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string  { return paint(s, ansiDim, color) }
func applyBold(s string, color bool) string { return paint(s, ansiBright, color) }

func levelTag(level slog.Level, color bool) string {
	tag := "[INFO]"
	switch {
	case level >= slog.LevelError:
		tag = "[ERROR]"
	case level >= slog.LevelWarn:
		tag = "[WARN]"
	case level < slog.LevelInfo:
		tag = "[DEBUG]"
	}
	return paint(tag, palette[tag], color)
}

func colorizeHTTPMethod(m string, color bool) string {
	code, ok := palette[m]
	if !ok {
		code = ansiMagenta
	}
	return paint(m, code, color)
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), palette[statusClass(code)], color)
}

// colorizeToken paints known tokens (status classes, results, presence
// statuses) and quotes anything else.
func colorizeToken(tok string, color bool) string {
	if code, ok := palette[tok]; ok {
		return paint(tok, code, color)
	}
	return quoteIfNeeded(tok)
}

func colorizeDurationMS(ms int64, color bool) string {
	code := ansiDim
	switch {
	case ms >= 1000:
		code = ansiRed
	case ms >= 250:
		code = ansiYellow
	}
	return paint(strconv.FormatInt(ms, 10)+"ms", code, color)
}
