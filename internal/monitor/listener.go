package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/monitoring"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// ErrNotListening is returned by Stop when no port is open.
var ErrNotListening = errors.New("not listening")

// PortConfig selects the port the receiver listens on.
type PortConfig struct {
	Path    string                `json:"port"`
	Options serialmux.PortOptions `json:"options"`
}

// ListenerStatus reports what the Listener is doing.
type ListenerStatus struct {
	Listening bool        `json:"listening"`
	Config    *PortConfig `json:"config,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Stats     *Stats      `json:"stats,omitempty"`
	LastError string      `json:"last_error,omitempty"`
}

// ListenerOptions configures the poll loops a Listener starts. Context bounds
// every loop and defaults to context.Background(). DB and Tail are optional.
type ListenerOptions struct {
	Context       context.Context
	Clock         timeutil.Clock
	DB            *db.DB
	Tail          Tail
	PollOptions   []Option
	ReaderOptions []beacon.ReaderOption
}

// Listener owns the open port and its poll loop. Start replaces any running
// loop, so the operator can switch port or baud rate without restarting the
// process. Observations from every loop go to the same sink.
type Listener struct {
	reloadMu sync.Mutex
	mu       sync.Mutex
	factory  serialmux.SerialPortFactory
	sink     Publisher
	opts     ListenerOptions

	current *listenRun
	lastErr error
	done    chan struct{}
}

type listenRun struct {
	cfg     PortConfig
	port    serialmux.SerialPorter
	poller  *Poller
	session *db.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener returns a Listener that opens ports through factory.
func NewListener(factory serialmux.SerialPortFactory, sink Publisher, opts ListenerOptions) *Listener {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Listener{factory: factory, sink: sink, opts: opts}
}

// Start opens cfg.Path and runs a poll loop on it until the listener context
// is cancelled or Stop is called or the port fails. ctx only bounds setup.
// A running loop is stopped first. If the port cannot be opened the returned
// error is a *serialmux.PortOpenError and no loop runs.
func (l *Listener) Start(ctx context.Context, cfg PortConfig) error {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	l.stop()

	opts, err := cfg.Options.Normalise()
	if err != nil {
		return l.fail(&serialmux.PortOpenError{Port: cfg.Path, BaudRate: cfg.Options.BaudRate, Err: err})
	}
	cfg.Options = opts

	port, err := l.factory.Open(cfg.Path, cfg.Options)
	if err != nil {
		return l.fail(err)
	}

	run := &listenRun{cfg: cfg, port: port, done: make(chan struct{})}

	pollOpts := append([]Option{WithClock(l.opts.Clock)}, l.opts.PollOptions...)
	if l.opts.Tail != nil {
		pollOpts = append(pollOpts, WithTail(l.opts.Tail))
	}
	if l.opts.DB != nil {
		session, err := l.opts.DB.StartSession(ctx, cfg.Path, cfg.Options.BaudRate, l.opts.Clock.Now())
		if err != nil {
			monitoring.Logf("session recording disabled for %s: %v", cfg.Path, err)
		} else {
			run.session = session
			pollOpts = append(pollOpts, WithRecorder(session))
		}
	}

	readerOpts := append([]beacon.ReaderOption{beacon.WithClock(l.opts.Clock)}, l.opts.ReaderOptions...)
	run.poller = New(beacon.NewReader(port, readerOpts...), l.sink, pollOpts...)

	runCtx, cancel := context.WithCancel(l.opts.Context)
	run.cancel = cancel

	l.mu.Lock()
	l.current = run
	l.lastErr = nil
	l.done = run.done
	l.mu.Unlock()

	monitoring.Logf("listening on %s at %d baud", cfg.Path, cfg.Options.BaudRate)
	go l.loop(runCtx, run)
	return nil
}

func (l *Listener) loop(ctx context.Context, run *listenRun) {
	defer close(run.done)

	err := run.poller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if cerr := run.port.Close(); cerr != nil {
		monitoring.Logf("failed to close %s: %v", run.cfg.Path, cerr)
	}
	if run.session != nil {
		if serr := run.session.End(context.Background(), l.opts.Clock.Now()); serr != nil {
			monitoring.Logf("failed to end session %s: %v", run.session.ID, serr)
		}
	}

	l.mu.Lock()
	if l.current == run {
		l.current = nil
		if err != nil {
			l.lastErr = err
		}
	}
	l.mu.Unlock()

	if err != nil {
		monitoring.Logf("poll loop on %s stopped: %v", run.cfg.Path, err)
	} else {
		monitoring.Logf("poll loop on %s stopped", run.cfg.Path)
	}
}

func (l *Listener) fail(err error) error {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	return err
}

// Stop ends the running poll loop and closes its port.
func (l *Listener) Stop() error {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()
	if !l.stop() {
		return ErrNotListening
	}
	return nil
}

// stop cancels the current run and waits until its port is closed. It
// reports whether a loop was running.
func (l *Listener) stop() bool {
	l.mu.Lock()
	run := l.current
	l.current = nil
	l.mu.Unlock()

	if run == nil {
		return false
	}
	run.cancel()
	<-run.done
	return true
}

// Done is closed when the most recently started loop exits. It is nil
// before the first Start.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the error that ended the last loop or failed the last Start.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Status returns a snapshot of the listener state.
func (l *Listener) Status() ListenerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	var st ListenerStatus
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	if l.current == nil {
		return st
	}
	cfg := l.current.cfg
	stats := l.current.poller.Stats()
	st.Listening = true
	st.Config = &cfg
	st.Stats = &stats
	if l.current.session != nil {
		st.SessionID = l.current.session.ID
	}
	return st
}

// Session returns the recording session of the running loop, if any.
func (l *Listener) Session() *db.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.current.session
}

// RecordExport records an export against the running session. It is a
// no-op when nothing is listening or recording is disabled.
func (l *Listener) RecordExport(ctx context.Context, path string, rows int, at time.Time) error {
	session := l.Session()
	if session == nil {
		return nil
	}
	return session.RecordExport(ctx, path, rows, at)
}
