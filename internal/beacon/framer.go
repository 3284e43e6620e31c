package beacon

import "time"

type framerState int

const (
	seekMarker1 framerState = iota
	seekMarker2
	collectPayload
)

func (s framerState) String() string {
	switch s {
	case seekMarker1:
		return "seek-marker-1"
	case seekMarker2:
		return "seek-marker-2"
	case collectPayload:
		return "collect-payload"
	default:
		return "unknown"
	}
}

// Framer is an incremental frame scanner. Bytes are pushed one at a time and
// a complete candidate is returned as soon as its last byte arrives, so
// frames split across several reads are reassembled in order.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	state   framerState
	buf     [FrameSize]byte
	n       int
	started time.Time

	// Discarded counts bytes dropped while hunting for the start marker.
	Discarded uint64
	// Expired counts partial frames dropped by Expire.
	Expired uint64
}

// Push feeds b into the scanner. When b completes a frame the returned slice
// holds a copy of the full 11-byte candidate.
func (f *Framer) Push(b byte, now time.Time) ([]byte, bool) {
	switch f.state {
	case seekMarker1:
		if b != MarkerByte1 {
			f.Discarded++
			return nil, false
		}
		f.begin(b, now)

	case seekMarker2:
		switch {
		case b == MarkerByte2:
			f.buf[1] = b
			f.n = 2
			f.state = collectPayload
		case b == MarkerByte1:
			// the previous 0xEF was noise; this one may start a frame
			f.Discarded++
			f.begin(b, now)
		default:
			f.Discarded += 2
			f.Reset()
		}

	case collectPayload:
		f.buf[f.n] = b
		f.n++
		if f.n == FrameSize {
			out := make([]byte, FrameSize)
			copy(out, f.buf[:])
			f.Reset()
			return out, true
		}
	}
	return nil, false
}

func (f *Framer) begin(b byte, now time.Time) {
	f.buf[0] = b
	f.n = 1
	f.started = now
	f.state = seekMarker2
}

// Partial reports whether a frame has been started but not completed.
func (f *Framer) Partial() bool {
	return f.state != seekMarker1
}

// Buffered returns the number of bytes held for the current partial frame.
func (f *Framer) Buffered() int {
	return f.n
}

// Expire drops a partial frame whose first marker byte arrived more than
// timeout before now. It reports whether anything was dropped.
func (f *Framer) Expire(now time.Time, timeout time.Duration) bool {
	if !f.Partial() || timeout <= 0 {
		return false
	}
	if now.Sub(f.started) <= timeout {
		return false
	}
	f.Discarded += uint64(f.n)
	f.Expired++
	f.Reset()
	return true
}

// Reset returns the scanner to hunting for the first marker byte.
func (f *Framer) Reset() {
	f.state = seekMarker1
	f.n = 0
	f.started = time.Time{}
}
