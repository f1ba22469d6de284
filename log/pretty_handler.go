// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type (
	// PrettyHandler is a slog.Handler printing one colored line per
	// record: time, level, logger name, message and attributes.
	PrettyHandler struct {
		groups []string
		attrs  []slog.Attr

		opts slog.HandlerOptions

		mu  *sync.Mutex
		out io.Writer
	}
)

var (
	_ slog.Handler = (*PrettyHandler)(nil)

	LevelTags = map[slog.Level]string{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold).Sprint("DEBUG"),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold).Sprint("INFO"),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold).Sprint("WARN"),
		slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	}

	bufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}

	faint      = color.New(color.Faint)
	faintBold  = color.New(color.Faint, color.Bold)
	message    = color.New(color.FgHiWhite)
	attrValue  = color.New(color.FgWhite)
	errorLabel = color.New(color.FgRed)
)

func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: out, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}

	return h
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		opts:   h.opts,
		mu:     h.mu,
		out:    h.out,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}

	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	defer bufPool.Put(bf)

	fmt.Fprint(bf, faint.Sprint(r.Time.Format(time.RFC3339)))
	fmt.Fprint(bf, " ")

	tag, ok := LevelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	fmt.Fprint(bf, tag)
	fmt.Fprint(bf, " ")

	// name and stack are rendered on their own, every other attribute
	// goes after the message
	var (
		name       string
		stacktrace string
		attrs      = make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	)

	collect := func(a slog.Attr) bool {
		switch a.Key {
		case "name":
			name = a.Value.String()
		case "stack":
			stacktrace = a.Value.String()
		default:
			attrs = append(attrs, a)
		}
		return true
	}

	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	if name != "" {
		fmt.Fprint(bf, faintBold.Sprint(name))
		fmt.Fprint(bf, " ")
	}

	if stacktrace != "" && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		fmt.Fprintf(bf, "%s:%d ", f.File, f.Line)
	}

	fmt.Fprint(bf, message.Sprint(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range attrs {
		key := prefix + a.Key
		value := attrValue.Sprint(a.Value.String())

		fmt.Fprint(bf, " ")
		if strings.Contains(a.Key, "err") {
			fmt.Fprint(bf, errorLabel.Sprintf("%s=", key)+value)
		} else {
			fmt.Fprint(bf, faint.Sprintf("%s=", key)+value)
		}
	}

	if stacktrace != "" {
		fmt.Fprint(bf, "\n")
		fmt.Fprint(bf, stacktrace)
	}

	fmt.Fprint(bf, "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.Copy(h.out, bf)
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	h2.attrs = append(h2.attrs, attrs...)
	return h2
}
