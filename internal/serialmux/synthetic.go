package serialmux

import (
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/beacon.report/internal/beacon"
)

// SyntheticPort is a SerialPorter that emits generated beacon frames, used in
// dev mode so the full pipeline runs without a receiver attached. Devices
// drift in signal strength and some fall silent for a while so that liveness
// transitions show up.
type SyntheticPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSyntheticPort starts emitting one frame every interval for devices.
func NewSyntheticPort(devices []beacon.Address, interval time.Duration, seed uint64) *SyntheticPort {
	r, w := io.Pipe()
	p := &SyntheticPort{r: r, w: w, done: make(chan struct{})}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rssi := make([]int, len(devices))
	silentUntil := make([]int, len(devices))
	for i := range rssi {
		rssi[i] = -50 - rng.IntN(40)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for tick := 0; ; tick++ {
			select {
			case <-p.done:
				return
			case <-ticker.C:
			}
			if len(devices) == 0 {
				continue
			}
			i := rng.IntN(len(devices))
			if tick < silentUntil[i] {
				continue
			}
			if rng.IntN(100) == 0 {
				silentUntil[i] = tick + 80
			}
			rssi[i] = min(-30, max(-100, rssi[i]+rng.IntN(7)-3))

			var buf []byte
			if rng.IntN(10) == 0 {
				// line noise between frames
				buf = append(buf, byte(rng.IntN(256)))
			}
			buf = append(buf, beacon.Encode(beacon.Frame{Address: devices[i], RSSI: rssi[i]})...)
			if _, err := w.Write(buf); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *SyntheticPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write discards commands; the receiver is read-only.
func (p *SyntheticPort) Write(b []byte) (int, error) { return len(b), nil }

// Close stops the generator and unblocks pending reads.
func (p *SyntheticPort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.r.Close()
	})
	p.wg.Wait()
	return nil
}
