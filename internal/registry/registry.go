// Package registry holds the authoritative per-device state: the latest RSSI
// reading, operator annotations, last-seen time and derived connectivity.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/beacon.report/internal/timeutil"
)

// DefaultLivenessTimeout is how long a device stays Connected after its most
// recent observation.
const DefaultLivenessTimeout = 10 * time.Second

// historySize bounds the per-device RSSI history kept for summaries.
const historySize = 32

// State is the derived connectivity of a device.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Disconnected"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Connected":
		*s = Connected
	case "Disconnected":
		*s = Disconnected
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// Field names an operator annotation.
type Field string

const (
	FieldDistance Field = "distance"
	FieldComment  Field = "comment"
)

// ErrUnknownField is returned when an annotation names a field other than
// FieldDistance or FieldComment.
var ErrUnknownField = errors.New("unknown annotation field")

// UnknownDeviceError is returned when an operation targets an identifier
// that has never been observed.
type UnknownDeviceError struct {
	ID string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %q", e.ID)
}

// Record is a copy of one device's state. Records handed out by the
// Registry are snapshots; mutating them has no effect on the registry.
type Record struct {
	ID        string    `json:"mac_address"`
	RSSI      int       `json:"rssi"`
	Distance  string    `json:"distance"`
	Comment   string    `json:"comment"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"observations"`
	State     State     `json:"status"`

	history []int
}

// Summary describes the recent RSSI history of a device.
type Summary struct {
	ID      string  `json:"mac_address"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean_rssi"`
	StdDev  float64 `json:"stddev_rssi"`
	Min     int     `json:"min_rssi"`
	Max     int     `json:"max_rssi"`
}

// Registry maps device identifiers to their records. Identifiers are unique
// and records are never removed. All methods are safe for concurrent use;
// writes are serialised by a single lock.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	updated map[string]struct{}

	clock   timeutil.Clock
	timeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the clock used by Observe defaults and Summary.
func WithClock(c timeutil.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLivenessTimeout overrides DefaultLivenessTimeout.
func WithLivenessTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		updated: make(map[string]struct{}),
		clock:   timeutil.RealClock{},
		timeout: DefaultLivenessTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LivenessTimeout returns the configured Connected window.
func (r *Registry) LivenessTimeout() time.Duration {
	return r.timeout
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Observe records a reading for id taken at ts. New identifiers get a record
// with empty annotations. The record is marked updated and Connected.
// It reports whether the identifier was new.
func (r *Registry) Observe(id string, rssi int, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		rec = &Record{ID: id, FirstSeen: ts}
		r.records[id] = rec
		r.order = append(r.order, id)
	}
	rec.RSSI = rssi
	rec.LastSeen = ts
	rec.Count++
	rec.State = Connected
	rec.history = append(rec.history, rssi)
	if len(rec.history) > historySize {
		rec.history = rec.history[len(rec.history)-historySize:]
	}
	r.updated[id] = struct{}{}
	return !ok
}

// RecomputeLiveness sets every record Connected if now-LastSeen is within the
// liveness timeout and Disconnected otherwise. It does not mark records
// updated. It returns the identifiers whose state changed.
func (r *Registry) RecomputeLiveness(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for _, id := range r.order {
		rec := r.records[id]
		state := Disconnected
		if now.Sub(rec.LastSeen) <= r.timeout {
			state = Connected
		}
		if state != rec.State {
			rec.State = state
			changed = append(changed, id)
		}
	}
	return changed
}

// SetAnnotation updates one annotation field of id and marks it updated.
// Nothing is mutated when id is unknown or field is invalid.
func (r *Registry) SetAnnotation(id string, field Field, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return &UnknownDeviceError{ID: id}
	}
	switch field {
	case FieldDistance:
		rec.Distance = value
	case FieldComment:
		rec.Comment = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	r.updated[id] = struct{}{}
	return nil
}

// DrainUpdated returns copies of the records changed since the previous
// drain, in first-seen order, and clears the updated set.
func (r *Registry) DrainUpdated() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.updated) == 0 {
		return nil
	}
	out := make([]Record, 0, len(r.updated))
	for _, id := range r.order {
		if _, ok := r.updated[id]; ok {
			out = append(out, r.records[id].snapshot())
		}
	}
	r.updated = make(map[string]struct{})
	return out
}

// Remark puts ids back into the updated set so the next drain returns them
// again. Unknown ids are ignored.
func (r *Registry) Remark(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.records[id]; ok {
			r.updated[id] = struct{}{}
		}
	}
}

// Pending returns the number of records waiting to be drained.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.updated)
}

// Snapshot returns copies of all records in first-seen order.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].snapshot())
	}
	return out
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, &UnknownDeviceError{ID: id}
	}
	return rec.snapshot(), nil
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Summary computes statistics over the recent RSSI history of id.
func (r *Registry) Summary(id string) (Summary, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	var history []int
	if ok {
		history = append(history, rec.history...)
	}
	r.mu.RUnlock()

	if !ok {
		return Summary{}, &UnknownDeviceError{ID: id}
	}

	s := Summary{ID: id, Samples: len(history)}
	if len(history) == 0 {
		return s, nil
	}
	xs := make([]float64, len(history))
	for i, v := range history {
		xs[i] = float64(v)
	}
	if len(xs) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	} else {
		s.Mean = xs[0]
	}
	sorted := append([]int(nil), history...)
	sort.Ints(sorted)
	s.Min, s.Max = sorted[0], sorted[len(sorted)-1]
	return s, nil
}

func (rec *Record) snapshot() Record {
	c := *rec
	c.history = append([]int(nil), rec.history...)
	return c
}

// History returns the recent RSSI readings, oldest first.
func (rec Record) History() []int {
	return append([]int(nil), rec.history...)
}
