package beacon

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beacon.report/internal/timeutil"
)

var sampleFrame = []byte{0xEF, 0x01, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xC5, 0x00, 0x00}

// chunkedSource returns one queued chunk per Read and (0, nil) once drained,
// mimicking a serial port whose read timeout elapsed.
type chunkedSource struct {
	chunks [][]byte
	err    error
}

func (s *chunkedSource) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, s.err
	}
	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func TestFramer_Resync(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name          string
		input         []byte
		wantFrames    int
		wantDiscarded uint64
	}{
		{"clean frame", sampleFrame, 1, 0},
		{"leading garbage", append([]byte{0x00, 0x13, 0x37}, sampleFrame...), 1, 3},
		{"lone first marker", append([]byte{0xEF, 0x02}, sampleFrame...), 1, 2},
		{"doubled first marker", append([]byte{0xEF}, sampleFrame...), 1, 1},
		{"two frames back to back", append(append([]byte{}, sampleFrame...), sampleFrame...), 2, 0},
		{"truncated frame", sampleFrame[:7], 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Framer
			frames := 0
			for _, b := range tt.input {
				if frame, ok := f.Push(b, now); ok {
					frames++
					assert.Equal(t, sampleFrame, frame)
				}
			}
			assert.Equal(t, tt.wantFrames, frames)
			assert.Equal(t, tt.wantDiscarded, f.Discarded)
		})
	}
}

func TestFramer_Expire(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var f Framer
	for _, b := range sampleFrame[:5] {
		f.Push(b, start)
	}
	require.True(t, f.Partial())
	assert.Equal(t, 5, f.Buffered())

	assert.False(t, f.Expire(start.Add(time.Second), time.Second), "expiry is exclusive of the timeout")
	assert.True(t, f.Expire(start.Add(time.Second+time.Millisecond), time.Second))
	assert.False(t, f.Partial())
	assert.Equal(t, uint64(1), f.Expired)
	assert.Equal(t, uint64(5), f.Discarded)
}

func TestReader_EmptySourceReturnsNothing(t *testing.T) {
	r := NewReader(&chunkedSource{})
	frame, err := r.ReadFrame()
	assert.NoError(t, err)
	assert.Nil(t, frame)
}

func TestReader_ReassemblesAcrossReads(t *testing.T) {
	src := &chunkedSource{chunks: [][]byte{sampleFrame[:3], sampleFrame[3:8], sampleFrame[8:]}}
	r := NewReader(src)

	var got []byte
	for i := 0; i < 3 && got == nil; i++ {
		frame, err := r.ReadFrame()
		require.NoError(t, err)
		got = frame
	}
	assert.Equal(t, sampleFrame, got)
	assert.Equal(t, uint64(1), r.Stats().Frames)
}

func TestReader_KeepsBytesAfterFrame(t *testing.T) {
	chunk := append(append([]byte{}, sampleFrame...), sampleFrame...)
	src := &chunkedSource{chunks: [][]byte{chunk}}
	r := NewReader(src)

	first, err := r.ReadFrame()
	require.NoError(t, err)
	second, err := r.ReadFrame()
	require.NoError(t, err)
	third, err := r.ReadFrame()
	require.NoError(t, err)

	assert.Equal(t, sampleFrame, first)
	assert.Equal(t, sampleFrame, second)
	assert.Nil(t, third)
}

func TestReader_DropsStalePartial(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	src := &chunkedSource{chunks: [][]byte{sampleFrame[:6]}}
	r := NewReader(src, WithClock(clock), WithFrameTimeout(time.Second))

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Nil(t, frame)

	// the tail arrives too late, after a fresh frame has started
	clock.Advance(2 * time.Second)
	src.chunks = [][]byte{append(append([]byte{}, sampleFrame[6:]...), sampleFrame...)}

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, sampleFrame, frame)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.ExpiredPartials)
	assert.Equal(t, uint64(6+5), stats.DiscardedBytes)
}

func TestReader_PropagatesTerminalError(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

// onceErrSource returns data together with err on the first Read and
// (0, nil) afterwards, so the error is reported exactly once.
type onceErrSource struct {
	data []byte
	err  error
	done bool
}

func (s *onceErrSource) Read(p []byte) (int, error) {
	if s.done {
		return 0, nil
	}
	s.done = true
	return copy(p, s.data), s.err
}

func TestReader_KeepsErrorReturnedWithFrame(t *testing.T) {
	src := &onceErrSource{data: append(append([]byte{}, sampleFrame...), sampleFrame[:4]...), err: io.ErrUnexpectedEOF}
	r := NewReader(src)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, sampleFrame, frame)

	frame, err = r.ReadFrame()
	assert.Nil(t, frame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "the error stays terminal")
}

func TestReader_SmallChunks(t *testing.T) {
	r := NewReader(bytes.NewReader(sampleFrame), WithChunkSize(1))
	var got []byte
	for got == nil {
		frame, err := r.ReadFrame()
		require.NoError(t, err)
		got = frame
	}
	assert.Equal(t, sampleFrame, got)
}
