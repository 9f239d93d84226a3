package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05,000"

// Appender is the write side of the log bus.
type Appender interface {
	AppendLog(id string, entry LogRecord) error
}

// Sink is a slog.Handler that captures every record into one build's log
// buffer. Records are optionally forwarded to a second handler so the process
// log still shows build output.
type Sink struct {
	store   Appender
	buildID string
	next    slog.Handler
	prefix  string
	attrs   string
}

// NewSink returns a handler bound to buildID. next may be nil.
func NewSink(store Appender, buildID string, next slog.Handler) *Sink {
	return &Sink{store: store, buildID: buildID, next: next}
}

// NewLogger is a shorthand for slog.New(NewSink(...)).
func NewLogger(store Appender, buildID string, next slog.Handler) *slog.Logger {
	return slog.New(NewSink(store, buildID, next))
}

func (s *Sink) Enabled(context.Context, slog.Level) bool {
	return true
}

func (s *Sink) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(s.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, s.prefix, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	err := s.store.AppendLog(s.buildID, LogRecord{Level: r.Level, Time: ts, Message: b.String()})
	if errors.Is(err, ErrCompleted) {
		err = nil
	}

	if s.next != nil && s.next.Enabled(ctx, r.Level) {
		if nerr := s.next.Handle(ctx, r); nerr != nil && err == nil {
			err = nerr
		}
	}
	return err
}

func (s *Sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(s.attrs)
	for _, a := range attrs {
		appendAttr(&b, s.prefix, a)
	}
	cp := *s
	cp.attrs = b.String()
	if s.next != nil {
		cp.next = s.next.WithAttrs(attrs)
	}
	return &cp
}

func (s *Sink) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	cp := *s
	cp.prefix = s.prefix + name + "."
	if s.next != nil {
		cp.next = s.next.WithGroup(name)
	}
	return &cp
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	val := a.Value.String()
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		val = strconv.Quote(val)
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, val)
}

// FormatLine renders a record the way it is shown to log readers.
func FormatLine(rec LogRecord) string {
	return fmt.Sprintf("[%s] [%s] %s", rec.Level, rec.Time.Format(timeLayout), rec.Message)
}
