package observer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Observer receives events. Send must not block.
type Observer interface {
	Send(ev Event)
}

// Func adapts a function to Observer.
type Func func(Event)

func (f Func) Send(ev Event) { f(ev) }

// Discard drops every event.
var Discard Observer = Func(func(Event) {})

// Channel is a bounded, non-blocking queue of events. When the buffer is full
// new events are dropped and counted.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewChannel creates a queue holding up to size events.
func NewChannel(size int, logger zerolog.Logger) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{
		ch:     make(chan Event, size),
		logger: logger.With().Str("component", "observer_channel").Logger(),
	}
}

func (c *Channel) Send(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- ev:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn().
			Str("type", string(ev.Type)).
			Uint64("span_id", ev.SpanID).
			Uint64("dropped_total", n).
			Msg("Event channel full, dropping event")
	}
}

// Events is the receive side.
func (c *Channel) Events() <-chan Event { return c.ch }

// Dropped is the number of events lost to a full or closed channel.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Close stops accepting events. Buffered events remain readable.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return
	}
	close(c.ch)
}

// Fanout sends every event to each observer in order.
type Fanout []Observer

func (f Fanout) Send(ev Event) {
	for _, o := range f {
		o.Send(ev)
	}
}

// Sink consumes events on the pipeline goroutine and may block.
type Sink interface {
	Consume(ctx context.Context, ev Event) error
	// Flush is called once the pipeline has drained.
	Flush(ctx context.Context) error
}

// Pipeline is an Observer that queues events and hands them to sinks on a
// single goroutine started by Run.
type Pipeline struct {
	ch     *Channel
	sinks  []Sink
	logger zerolog.Logger
	done   chan struct{}
}

// NewPipeline builds a pipeline with a buffer of the given size.
func NewPipeline(buffer int, logger zerolog.Logger, sinks ...Sink) *Pipeline {
	return &Pipeline{
		ch:     NewChannel(buffer, logger),
		sinks:  sinks,
		logger: logger.With().Str("component", "observer_pipeline").Logger(),
		done:   make(chan struct{}),
	}
}

func (p *Pipeline) Send(ev Event) { p.ch.Send(ev) }

// Dropped reports events lost to back-pressure.
func (p *Pipeline) Dropped() uint64 { return p.ch.Dropped() }

// Run drains the queue until Close is called and the queue is empty, then
// flushes every sink. Sink errors are logged, never returned to producers.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)

	for ev := range p.ch.Events() {
		for _, s := range p.sinks {
			if err := s.Consume(ctx, ev); err != nil {
				p.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Sink rejected event")
			}
		}
	}

	var firstErr error
	for _, s := range p.sinks {
		if err := s.Flush(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Sink flush failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops intake and waits for Run to finish draining or ctx to end.
func (p *Pipeline) Close(ctx context.Context) error {
	p.ch.Close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
