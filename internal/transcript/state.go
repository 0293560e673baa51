// Package transcript holds the shared transcript record of a capture
// session: the most recent final utterance, the append-only utterance
// history, the live partial hypothesis and the optional enriched
// (cased and punctuated) rendering of the latest final.
//
// The fields are partitioned by writer. The decode loop is the only writer of
// the final, history and partial fields; the enrichment worker is the only
// writer of the enriched field. Each partition has its own lock so that slow
// enrichment never serialises the decode path, and readers always observe a
// consistent value.
//
// Every mutation is also published as an [Event] to subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather than
// stalling the writer.
package transcript

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind discriminates transcript events.
type EventKind int

const (
	// EventPartial replaces the live partial hypothesis.
	EventPartial EventKind = iota + 1

	// EventFinal commits an utterance to the history.
	EventFinal

	// EventEnriched publishes a cased and punctuated rendering of a final.
	EventEnriched
)

// String returns the lower-case event name used on the wire.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEnriched:
		return "enriched"
	default:
		return "unknown"
	}
}

// Event is a single transcript update.
type Event struct {
	Kind EventKind
	Text string
	At   time.Time
}

// Snapshot is a consistent copy of the transcript state.
type Snapshot struct {
	LatestFinal string
	History     []string
	Partial     string

	// Enriched is only meaningful when HasEnriched is true.
	Enriched    string
	HasEnriched bool
}

// DefaultSubscriberBuffer is the channel capacity used by [State.Subscribe]
// when a non-positive buffer is requested.
const DefaultSubscriberBuffer = 64

// State is the shared transcript record. The zero value is not usable; call
// [NewState]. All methods are safe for concurrent use.
type State struct {
	mu          sync.RWMutex
	latestFinal string
	history     []string
	partial     string

	enrichedMu  sync.RWMutex
	enriched    string
	hasEnriched bool

	subMu  sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64

	missed atomic.Uint64
	now    func() time.Time
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		subs: make(map[uint64]chan Event),
		now:  time.Now,
	}
}

// CommitFinal records text as the latest final utterance, appends it to the
// history and clears the partial. Empty text only clears the partial.
func (s *State) CommitFinal(text string) {
	if text == "" {
		s.ClearPartial()
		return
	}
	s.mu.Lock()
	s.latestFinal = text
	s.history = append(s.history, text)
	s.partial = ""
	s.mu.Unlock()

	s.publish(EventFinal, text)
}

// SetPartial replaces the partial hypothesis. Empty text is a valid value and
// reflects a stretch without speech. Subscribers are only notified when the
// value changes.
func (s *State) SetPartial(text string) {
	s.mu.Lock()
	changed := s.partial != text
	s.partial = text
	s.mu.Unlock()

	if changed {
		s.publish(EventPartial, text)
	}
}

// ClearPartial sets the partial hypothesis to the empty string.
func (s *State) ClearPartial() { s.SetPartial("") }

// SetEnriched publishes the enriched rendering of the latest final.
func (s *State) SetEnriched(text string) {
	s.enrichedMu.Lock()
	s.enriched = text
	s.hasEnriched = true
	s.enrichedMu.Unlock()

	s.publish(EventEnriched, text)
}

// Enriched returns the enriched text and whether any has been published.
func (s *State) Enriched() (string, bool) {
	s.enrichedMu.RLock()
	defer s.enrichedMu.RUnlock()
	return s.enriched, s.hasEnriched
}

// LatestFinal returns the most recent final utterance.
func (s *State) LatestFinal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestFinal
}

// Partial returns the live partial hypothesis.
func (s *State) Partial() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partial
}

// History returns a copy of all final utterances in commit order.
func (s *State) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// Snapshot returns a copy of the whole state. The decode-owned fields are
// read under one lock and the enriched field under the other, so each
// partition is internally consistent.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		LatestFinal: s.latestFinal,
		History:     slices.Clone(s.history),
		Partial:     s.partial,
	}
	s.mu.RUnlock()

	snap.Enriched, snap.HasEnriched = s.Enriched()
	return snap
}

// Subscribe registers a new event observer. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (s *State) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// Missed returns how many events were not delivered because a subscriber's
// buffer was full.
func (s *State) Missed() uint64 { return s.missed.Load() }

func (s *State) publish(kind EventKind, text string) {
	ev := Event{Kind: kind, Text: text, At: s.now()}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.missed.Add(1)
		}
	}
}
