// Package monitor drives the receiver: once per tick it runs a framing pass
// over the serial stream, decodes what it finds and publishes observations
// and a liveness re-evaluation to the registry owner.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/registry"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// DefaultInterval is the poll period.
const DefaultInterval = time.Second

// Publisher accepts registry events. Both *registry.Registry and
// *registry.Queue satisfy it.
type Publisher interface {
	Publish(ctx context.Context, ev registry.Event) error
}

// Recorder persists decoded frames. Failures are logged and never stop the
// loop.
type Recorder interface {
	RecordObservation(ctx context.Context, f beacon.Frame, at time.Time) error
}

// Tail receives one line per decoded frame or framing error.
type Tail interface {
	Publish(line string)
}

// Stats is a snapshot of the poller counters.
type Stats struct {
	Ticks         uint64             `json:"ticks"`
	Observations  uint64             `json:"observations"`
	FramingErrors uint64             `json:"framing_errors"`
	Reader        beacon.ReaderStats `json:"reader"`
}

// Poller is the poll loop. It is driven by Run on a dedicated goroutine.
type Poller struct {
	reader    *beacon.Reader
	sink      Publisher
	clock     timeutil.Clock
	interval  time.Duration
	maxFrames int
	recorder  Recorder
	tail      Tail

	ticks         atomic.Uint64
	observations  atomic.Uint64
	framingErrors atomic.Uint64
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock injects the clock that drives the ticker and stamps observations.
func WithClock(c timeutil.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxFramesPerTick allows more than one framing pass per tick.
func WithMaxFramesPerTick(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxFrames = n
		}
	}
}

// WithRecorder persists every decoded frame.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// WithTail mirrors decoded frames to a live tail.
func WithTail(t Tail) Option {
	return func(p *Poller) { p.tail = t }
}

// New returns a Poller reading frames from reader and publishing to sink.
func New(reader *beacon.Reader, sink Publisher, opts ...Option) *Poller {
	p := &Poller{
		reader:    reader,
		sink:      sink,
		clock:     timeutil.RealClock{},
		interval:  DefaultInterval,
		maxFrames: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks until ctx is cancelled or the byte stream fails. Cancellation is
// only observed between ticks, never in the middle of a framing pass. A
// closed stream (io.EOF) ends the loop with a nil error.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		if err := p.Tick(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("serial stream closed, poll loop stopping")
				return nil
			}
			return err
		}
	}
}

// Tick performs one iteration: up to maxFrames framing passes, each decoded
// and published as an observation, followed by a liveness event for now.
func (p *Poller) Tick(ctx context.Context) error {
	p.ticks.Add(1)

	for i := 0; i < p.maxFrames; i++ {
		raw, err := p.reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if raw == nil {
			break
		}
		if err := p.handleFrame(ctx, raw); err != nil {
			return err
		}
	}

	if err := p.sink.Publish(ctx, registry.LivenessEvent(p.clock.Now())); err != nil {
		return fmt.Errorf("publish liveness: %w", err)
	}
	return nil
}

func (p *Poller) handleFrame(ctx context.Context, raw []byte) error {
	frame, err := beacon.Decode(raw)
	if err != nil {
		var fe *beacon.FramingError
		if errors.As(err, &fe) {
			p.framingErrors.Add(1)
			monitoring.Logf("error processing packet: %v", err)
			p.publishTail(fmt.Sprintf("error %v", err))
			return nil
		}
		return err
	}

	now := p.clock.Now()
	if err := p.sink.Publish(ctx, registry.ObserveEvent(frame.ID(), frame.RSSI, now)); err != nil {
		return fmt.Errorf("publish observation: %w", err)
	}
	p.observations.Add(1)
	p.publishTail(fmt.Sprintf("%s % x", frame, raw))

	if p.recorder != nil {
		if err := p.recorder.RecordObservation(ctx, frame, now); err != nil {
			monitoring.Logf("failed to record observation for %s: %v", frame.ID(), err)
		}
	}
	return nil
}

func (p *Poller) publishTail(line string) {
	if p.tail != nil {
		p.tail.Publish(line)
	}
}

// Interval returns the poll period.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Stats returns the poller counters. It is safe to call from any goroutine.
func (p *Poller) Stats() Stats {
	return Stats{
		Ticks:         p.ticks.Load(),
		Observations:  p.observations.Load(),
		FramingErrors: p.framingErrors.Load(),
		Reader:        p.reader.Stats(),
	}
}
