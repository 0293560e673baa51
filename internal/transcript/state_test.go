package transcript

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestState_CommitFinal(t *testing.T) {
	s := NewState()
	s.SetPartial("hallo")
	s.CommitFinal("hallo welt")

	if got := s.LatestFinal(); got != "hallo welt" {
		t.Errorf("LatestFinal = %q, want %q", got, "hallo welt")
	}
	if got := s.Partial(); got != "" {
		t.Errorf("Partial = %q, want empty", got)
	}
	if got := s.History(); !slices.Equal(got, []string{"hallo welt"}) {
		t.Errorf("History = %v", got)
	}
}

func TestState_CommitEmptyFinalOnlyClearsPartial(t *testing.T) {
	s := NewState()
	s.CommitFinal("one")
	s.SetPartial("tw")
	s.CommitFinal("")

	if got := s.LatestFinal(); got != "one" {
		t.Errorf("LatestFinal = %q, want %q", got, "one")
	}
	if got := s.Partial(); got != "" {
		t.Errorf("Partial = %q, want empty", got)
	}
	if got := len(s.History()); got != 1 {
		t.Errorf("len(History) = %d, want 1", got)
	}
}

func TestState_HistoryIsCopy(t *testing.T) {
	s := NewState()
	s.CommitFinal("a")
	h := s.History()
	h[0] = "mutated"
	if got := s.History()[0]; got != "a" {
		t.Errorf("History()[0] = %q after external mutation", got)
	}
}

func TestState_Enriched(t *testing.T) {
	s := NewState()
	if _, ok := s.Enriched(); ok {
		t.Fatal("fresh state reports enriched text")
	}
	s.SetEnriched("Hallo Welt.")
	got, ok := s.Enriched()
	if !ok || got != "Hallo Welt." {
		t.Errorf("Enriched = (%q, %v)", got, ok)
	}
	snap := s.Snapshot()
	if !snap.HasEnriched || snap.Enriched != "Hallo Welt." {
		t.Errorf("Snapshot enriched = (%q, %v)", snap.Enriched, snap.HasEnriched)
	}
}

func TestState_HistoryMonotonicUnderConcurrency(t *testing.T) {
	s := NewState()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			s.SetPartial(fmt.Sprintf("p%d", i))
			s.CommitFinal(fmt.Sprintf("f%d", i))
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			s.SetEnriched(fmt.Sprintf("E%d", i))
		}
	}()

	prev := 0
	for range n {
		snap := s.Snapshot()
		if len(snap.History) < prev {
			t.Fatalf("history shrank from %d to %d", prev, len(snap.History))
		}
		for i, h := range snap.History {
			if h != fmt.Sprintf("f%d", i) {
				t.Fatalf("history[%d] = %q", i, h)
			}
		}
		prev = len(snap.History)
	}
	wg.Wait()

	if got := len(s.History()); got != n {
		t.Errorf("len(History) = %d, want %d", got, n)
	}
}

func TestState_Subscribe(t *testing.T) {
	s := NewState()
	ch, cancel := s.Subscribe(8)
	defer cancel()

	s.SetPartial("hal")
	s.SetPartial("hal") // unchanged, not published
	s.CommitFinal("hallo")
	s.SetEnriched("Hallo.")

	want := []struct {
		kind EventKind
		text string
	}{
		{EventPartial, "hal"},
		{EventFinal, "hallo"},
		{EventEnriched, "Hallo."},
	}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.Kind != w.kind || ev.Text != w.text {
				t.Errorf("event = (%s, %q), want (%s, %q)", ev.Kind, ev.Text, w.kind, w.text)
			}
			if ev.At.IsZero() {
				t.Error("event timestamp not set")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", w.kind)
		}
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event %+v", ev)
	default:
	}
}

func TestState_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewState()
	_, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := range 100 {
			s.CommitFinal(fmt.Sprintf("u%d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a full subscriber")
	}
	if s.Missed() != 99 {
		t.Errorf("Missed = %d, want 99", s.Missed())
	}
}

func TestState_CancelClosesChannel(t *testing.T) {
	s := NewState()
	ch, cancel := s.Subscribe(0)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	s.CommitFinal("after cancel")
}

func TestEventKind_String(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{EventPartial, "partial"},
		{EventFinal, "final"},
		{EventEnriched, "enriched"},
		{EventKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("EventKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
