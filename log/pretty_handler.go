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
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type (
	// PrettyHandler is a colored slog handler meant for terminals.
	PrettyHandler struct {
		name   string
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
)

// NewPrettyHandler creates a new PrettyHandler writing to out. A nil
// opts logs at info level and above.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: out, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}

	return h
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		name:   h.name,
		groups: append([]string(nil), h.groups...),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		opts:   h.opts,
		mu:     h.mu,
		out:    h.out,
	}
}

// Enabled implements slog.Handler.Enabled.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}

	return level >= minLevel
}

// Handle implements slog.Handler.Handle.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := getBuffer()
	bf.Reset()
	defer freeBuffer(bf)

	fmt.Fprint(bf, color.New(color.Faint).Sprint(r.Time.Format(time.RFC3339)))
	fmt.Fprint(bf, " ")

	tag, ok := LevelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	fmt.Fprint(bf, tag)
	fmt.Fprint(bf, " ")

	if h.name != "" {
		fmt.Fprint(bf, color.New(color.Faint, color.Bold).Sprint(h.name))
		fmt.Fprint(bf, " ")
	}

	fmt.Fprint(bf, color.New(color.FgHiWhite).Sprint(r.Message))

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range attrs {
		key := prefix + a.Key
		value := color.New(color.FgWhite).Sprint(a.Value.String())

		fmt.Fprint(bf, " ")
		if strings.Contains(a.Key, "err") {
			fmt.Fprint(bf, color.New(color.FgRed).Sprintf("%s=", key)+value)
		} else {
			fmt.Fprint(bf, color.New(color.Faint).Sprintf("%s=", key)+value)
		}
	}

	fmt.Fprint(bf, "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.Copy(h.out, bf)
	return err
}

// WithGroup implements slog.Handler.WithGroup.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

// WithAttrs implements slog.Handler.WithAttrs. The "name" attribute set
// by Logger is printed in front of the message instead of with the
// other attributes.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	for _, a := range attrs {
		if a.Key == "name" && len(h2.groups) == 0 {
			h2.name = a.Value.String()
			continue
		}
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}
