package beacon

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// DefaultFrameTimeout bounds how long a partial frame may wait for its
// remaining bytes before it is dropped and scanning resumes.
const DefaultFrameTimeout = time.Second

// ReaderStats is a point-in-time copy of the reader counters.
type ReaderStats struct {
	Frames          uint64 `json:"frames"`
	DiscardedBytes  uint64 `json:"discarded_bytes"`
	ExpiredPartials uint64 `json:"expired_partials"`
}

// Reader performs framing passes over a byte stream. The underlying reader
// is expected to return (0, nil) when its read timeout elapses with nothing
// available, which is how go.bug.st/serial reports a timed out read. Any
// non-nil error from the stream is treated as terminal: it is kept and
// returned by every later pass once buffered bytes are used up.
type Reader struct {
	src          io.Reader
	clock        timeutil.Clock
	frameTimeout time.Duration

	framer  Framer
	chunk   []byte
	pending []byte
	err     error

	frames    atomic.Uint64
	discarded atomic.Uint64
	expired   atomic.Uint64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithClock sets the clock used to age partial frames.
func WithClock(c timeutil.Clock) ReaderOption {
	return func(r *Reader) { r.clock = c }
}

// WithFrameTimeout sets the partial frame timeout. Zero disables expiry.
func WithFrameTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) { r.frameTimeout = d }
}

// WithChunkSize sets the size of a single read from the stream.
func WithChunkSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.chunk = make([]byte, n)
		}
	}
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{
		src:          src,
		clock:        timeutil.RealClock{},
		frameTimeout: DefaultFrameTimeout,
		chunk:        make([]byte, 256),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadFrame runs one framing pass and returns at most one 11-byte candidate.
// A nil slice with a nil error means nothing complete was available within
// a single read. Bytes beyond a returned frame are kept for the next pass.
func (r *Reader) ReadFrame() ([]byte, error) {
	defer r.publish()

	if frame := r.drain(); frame != nil {
		return frame, nil
	}
	if r.err != nil {
		return nil, r.err
	}

	r.framer.Expire(r.clock.Now(), r.frameTimeout)

	n, err := r.src.Read(r.chunk)
	if err != nil {
		r.err = err
	}
	if n > 0 {
		r.pending = r.chunk[:n]
		if frame := r.drain(); frame != nil {
			return frame, nil
		}
	}
	return nil, r.err
}

// drain pushes buffered bytes through the framer until a frame completes or
// the buffer is exhausted.
func (r *Reader) drain() []byte {
	if len(r.pending) == 0 {
		return nil
	}
	now := r.clock.Now()
	for i, b := range r.pending {
		if frame, ok := r.framer.Push(b, now); ok {
			r.pending = r.pending[i+1:]
			r.frames.Add(1)
			return frame
		}
	}
	r.pending = nil
	return nil
}

func (r *Reader) publish() {
	r.discarded.Store(r.framer.Discarded)
	r.expired.Store(r.framer.Expired)
}

// Stats returns the reader counters. It is safe to call from any goroutine.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Frames:          r.frames.Load(),
		DiscardedBytes:  r.discarded.Load(),
		ExpiredPartials: r.expired.Load(),
	}
}
