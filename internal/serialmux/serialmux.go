// Package serialmux owns the serial side of the receiver: opening ports with
// validated options, test and synthetic ports, and a multiplexer that lets
// several clients tail the decoded traffic of the single port in use.
package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"

	"tailscale.com/tsweb"
)

// SerialMux fans out one line per decoded frame (or framing error) to any
// number of subscribers. Slow subscribers miss lines rather than stalling
// the poll loop.
type SerialMux struct {
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      bool
	bufferSize   int
}

// NewSerialMux creates a SerialMux whose subscriber channels hold bufferSize
// lines.
func NewSerialMux(bufferSize int) *SerialMux {
	return &SerialMux{
		subscribers: make(map[string]chan string),
		bufferSize:  bufferSize,
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving lines. The returned ID is
// used to Unsubscribe. After Close the channel is returned already closed.
func (s *SerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, s.bufferSize)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *SerialMux) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Publish sends line to every subscriber without blocking.
func (s *SerialMux) Publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full/blocking skip so as not to block the poll loop
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *SerialMux) Subscribers() int {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return len(s.subscribers)
}

// Close closes all subscriber channels. Further subscriptions receive a
// closed channel.
func (s *SerialMux) Close() error {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return nil
}

const tailPage = `<!doctype html>
<html><head><title>beacon tail</title></head>
<body style="background:#2e2e2e;color:#3cff00;font-family:monospace">
<pre id="out"></pre>
<script>
const out = document.getElementById("out");
const es = new EventSource("tail-api");
es.onmessage = (e) => { out.textContent = e.data + "\n" + out.textContent.slice(0, 20000); };
</script>
</body></html>
`

// AttachAdminRoutes attaches the live tail endpoints to the /debug/ tree of
// mux. These routes are accessible only over localhost/via Tailscale.
func (s *SerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("tail", "live tail of decoded beacon frames", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, tailPage)
	})

	// API endpoint to issue Server-Side Events (SSE) for each decoded frame.
	debug.HandleSilentFunc("tail-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
