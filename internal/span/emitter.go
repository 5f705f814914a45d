package span

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-hook/internal/observer"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// CloseMode decides what happens to in-flight spans at Close.
type CloseMode int

const (
	// CloseComplete ends every in-flight span now, emitting span_end.
	CloseComplete CloseMode = iota
	// CloseDrop marks in-flight spans dropped without emitting span_end.
	CloseDrop
)

// Emitter allocates span ids and emits start and end events. Ids start at 1
// and are never reused.
type Emitter struct {
	table  Table
	sink   observer.Observer
	clock  Clock
	logger zerolog.Logger

	next   atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	pending sync.WaitGroup
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock overrides time.Now.
func WithClock(c Clock) Option { return func(e *Emitter) { e.clock = c } }

// NewEmitter creates an emitter around an injected table.
func NewEmitter(table Table, sink observer.Observer, logger zerolog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		table:  table,
		sink:   sink,
		clock:  time.Now,
		logger: logger.With().Str("component", "span_emitter").Logger(),
		timers: make(map[uint64]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start opens a span and emits span_start. It returns nil once the emitter
// is closed.
func (e *Emitter) Start(hook, method, uri string) *Record {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil
	}
	r := &Record{
		ID:     e.next.Add(1),
		Hook:   hook,
		Method: method,
		URI:    uri,
		Start:  e.clock(),
	}
	err := e.table.Put(r)
	e.mu.Unlock()
	if err != nil {
		// Ids come from a monotonic counter, so this means a shared table.
		e.logger.Error().Err(err).Uint64("span_id", r.ID).Msg("Failed to register span")
		return nil
	}

	var attrs map[string]string
	if hook != "" {
		attrs = map[string]string{"hook": hook}
	}
	e.sink.Send(observer.SpanStart(r.ID, method, uri, r.Start, attrs))
	e.logger.Trace().Uint64("span_id", r.ID).Str("method", method).Str("uri", uri).Msg("Span started")
	return r
}

// End completes a span and emits span_end exactly once.
func (e *Emitter) End(id uint64) error {
	e.mu.Lock()
	if t, ok := e.timers[id]; ok {
		if t.Stop() {
			e.pending.Done()
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()

	r, ok := e.table.Take(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSpan, id)
	}
	e.complete(r)
	return nil
}

func (e *Emitter) complete(r *Record) {
	r.End = e.clock()
	r.Duration = r.End.Sub(r.Start)
	if r.Duration < 0 {
		r.Duration = 0
	}
	e.sink.Send(observer.SpanEnd(r.ID, r.End, r.Duration))
	e.logger.Trace().Uint64("span_id", r.ID).Dur("duration", r.Duration).Msg("Span ended")
}

// EndAfter schedules End after d. It stands in for exit instrumentation.
func (e *Emitter) EndAfter(id uint64, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return
	}
	if _, scheduled := e.timers[id]; scheduled {
		return
	}
	e.pending.Add(1)
	e.timers[id] = time.AfterFunc(d, func() {
		defer e.pending.Done()
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()

		if r, ok := e.table.Take(id); ok {
			e.complete(r)
		}
	})
}

// InFlight is the number of open spans.
func (e *Emitter) InFlight() int { return e.table.Len() }

// LastID is the most recently allocated id, zero if none.
func (e *Emitter) LastID() uint64 { return e.next.Load() }

// Close stops new spans, cancels pending timers and settles every open span
// according to mode. It returns the settled records.
func (e *Emitter) Close(mode CloseMode) []*Record {
	e.mu.Lock()
	e.closed.Store(true)
	for id, t := range e.timers {
		if t.Stop() {
			e.pending.Done()
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.pending.Wait()

	open := e.table.Drain()
	for _, r := range open {
		switch mode {
		case CloseDrop:
			r.Dropped = true
			e.logger.Debug().Uint64("span_id", r.ID).Msg("Span dropped at close")
		default:
			e.complete(r)
		}
	}
	return open
}
