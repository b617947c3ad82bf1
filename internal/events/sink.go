package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sink records governance events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards everything.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

type safeSink struct {
	next Sink
}

// Safe wraps a sink so that its errors and panics are logged and never reach the caller.
// Observability failures must not change control flow.
func Safe(next Sink) Sink {
	if next == nil {
		return Nop
	}
	return &safeSink{next: next}
}

func (s *safeSink) Record(ctx context.Context, e Event) error {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in event sink",
				"panic", r,
				"kind", e.Kind())
		}
	}()
	if recErr := s.next.Record(ctx, e); recErr != nil {
		slog.WarnContext(ctx, "event sink failed",
			"error", recErr,
			"kind", e.Kind(),
			"subject", e.Subject())
	}
	return nil
}

type multiSink struct {
	sinks []Sink
}

// Multi fans out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var nonNil []Sink
	for _, s := range sinks {
		if s != nil {
			nonNil = append(nonNil, s)
		}
	}
	return &multiSink{sinks: nonNil}
}

func (m *multiSink) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Level slog.Level
}

func (s LogSink) Record(ctx context.Context, e Event) error {
	slog.Log(ctx, s.Level, "governance event",
		"kind", e.Kind(),
		"subject", e.Subject(),
		"reason", e.Reason(),
		"event", e)
	return nil
}

// Recorder keeps events in memory. Used by tests and the verify CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of one kind, in order.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
