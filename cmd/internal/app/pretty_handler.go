package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	// LogWidthEnvKey overrides the wrap width of the pretty handler.
	LogWidthEnvKey = "EASEL_LOG_WIDTH"

	defaultLogWidth    = 100
	minLogWidth        = 40
	prettyContinuation = "    "
	truncationMarker   = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	width  int
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	segs := make([]string, 0, 8+r.NumAttrs())
	segs = append(segs,
		"ts="+applyDim(ts.Format("15:04:05.000"), h.color)+
			" lvl="+levelTag(r.Level, h.color)+
			" msg="+applyBold(r.Message, h.color))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segs = append(segs, "src="+applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, a := range h.attrs {
		segs = h.appendAttr(segs, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, a, "")
		return true
	})

	lines := wrapSegments(segs, " ", h.terminalWidth(), prettyContinuation)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segs []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segs
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segs
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, ga, fullKey)
		}
		return segs
	}

	return append(segs, remapPrettyKey(fullKey)+"="+h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	trimmedKey := strings.TrimSpace(key)

	switch trimmedKey {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		path := strings.TrimSpace(v.String())
		if h.color {
			return ansiCyan + path + ansiReset
		}
		return path
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}

	plain := valueToString(v)
	return quoteIfNeeded(plain)
}

func remapPrettyKey(k string) string {
	prefix, leaf := "", k
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		prefix, leaf = k[:i+1], k[i+1:]
	}
	switch leaf {
	case "status_class":
		return prefix + "class"
	case "duration_ms":
		return prefix + "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
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

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		if color {
			return ansiRed + "[ERROR]" + ansiReset
		}
		return "[ERROR]"
	case level >= slog.LevelWarn:
		if color {
			return ansiYellow + "[WARN]" + ansiReset
		}
		return "[WARN]"
	case level < slog.LevelInfo:
		if color {
			return ansiMagenta + "[DEBUG]" + ansiReset
		}
		return "[DEBUG]"
	default:
		if color {
			return ansiBlue + "[INFO]" + ansiReset
		}
		return "[INFO]"
	}
}

func applyDim(s string, color bool) string {
	if !color {
		return s
	}
	return ansiDim + s + ansiReset
}

func applyBold(s string, color bool) string {
	if !color {
		return s
	}
	return ansiBright + s + ansiReset
}

// terminalWidth is the wrap width: an explicit width, then EASEL_LOG_WIDTH, then
// COLUMNS. Values under minLogWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	if h.width >= minLogWidth {
		return h.width
	}
	for _, key := range []string{LogWidthEnvKey, "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
		if err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}

// wrapSegments packs segs into lines no wider than width, joined by sep.
// Continuation lines start with contPrefix; a segment that cannot fit on a
// line of its own is cut and marked.
func wrapSegments(segs []string, sep string, width int, contPrefix string) []string {
	var (
		lines []string
		cur   strings.Builder
		n     int
	)
	sepLen := visualLen(sep)

	start := func(prefix, seg string) {
		limit := width - visualLen(prefix)
		if visualLen(seg) > limit {
			seg = truncateVisual(seg, limit)
		}
		cur.WriteString(prefix)
		cur.WriteString(seg)
		n = visualLen(prefix) + visualLen(seg)
	}

	for _, seg := range segs {
		if seg == "" {
			continue
		}
		switch {
		case cur.Len() == 0 && len(lines) == 0:
			start("", seg)
		case cur.Len() == 0:
			start(contPrefix, seg)
		case n+sepLen+visualLen(seg) <= width:
			cur.WriteString(sep)
			cur.WriteString(seg)
			n += sepLen + visualLen(seg)
		default:
			lines = append(lines, cur.String())
			cur.Reset()
			start(contPrefix, seg)
		}
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// truncateVisual cuts s to limit visible runes including the marker. Colors are dropped.
func truncateVisual(s string, limit int) string {
	plain := []rune(stripANSI(s))
	if len(plain) <= limit {
		return s
	}
	if limit <= 1 {
		return truncationMarker
	}
	return string(plain[:limit-1]) + truncationMarker
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen counts the runes a terminal shows for s.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return ansiBlue + method + ansiReset
	case http.MethodPost:
		return ansiGreen + method + ansiReset
	case http.MethodPut, http.MethodPatch:
		return ansiYellow + method + ansiReset
	case http.MethodDelete:
		return ansiRed + method + ansiReset
	default:
		return ansiMagenta + method + ansiReset
	}
}

func colorizeStatusCode(status int, color bool) string {
	return colorByClass(statusClass(status), strconv.Itoa(status), color)
}

func colorizeStatusClass(class string, color bool) string {
	return colorByClass(class, class, color)
}

func colorByClass(class, text string, color bool) string {
	if !color {
		return text
	}
	switch class {
	case "2xx":
		return ansiGreen + text + ansiReset
	case "3xx":
		return ansiCyan + text + ansiReset
	case "4xx":
		return ansiYellow + text + ansiReset
	case "5xx":
		return ansiRed + text + ansiReset
	default:
		return text
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	out := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return out
	}
	switch {
	case ms >= 1000:
		return ansiRed + out + ansiReset
	case ms >= 250:
		return ansiYellow + out + ansiReset
	default:
		return ansiDim + out + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "success":
		return ansiGreen + result + ansiReset
	case "redirect":
		return ansiCyan + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	case "server_error":
		return ansiRed + result + ansiReset
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
