package events

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e := <-s.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBusDiscards(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceExecutor, Kind: KindToolCall})
	if got := b.Len(); got != 0 {
		t.Errorf("Len() on nil bus = %d, want 0", got)
	}
}

func TestPublish_FillsTimestamp(t *testing.T) {
	b := New()
	s := b.Subscribe(2)
	defer s.Close()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Source: SourcePool, Kind: KindConnectionUp, Data: map[string]any{"server": "files"}})
	b.Publish(Event{Source: SourcePool, Kind: KindConnectionDown, Timestamp: fixed})

	if got := receive(t, s); got.Timestamp.IsZero() || got.Data["server"] != "files" {
		t.Errorf("first event = %+v", got)
	}
	if got := receive(t, s); !got.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want producer's %v", got.Timestamp, fixed)
	}
}

func TestSubscribe_KindFilter(t *testing.T) {
	b := New()
	all := b.Subscribe(8)
	defer all.Close()
	done := b.Subscribe(8, KindToolDone)
	defer done.Close()

	b.Publish(Event{Source: SourceExecutor, Kind: KindToolCall})
	b.Publish(Event{Source: SourceExecutor, Kind: KindToolDone})
	b.Publish(Event{Source: SourceBridge, Kind: KindToolsBridged})

	for _, want := range []string{KindToolCall, KindToolDone, KindToolsBridged} {
		if got := receive(t, all); got.Kind != want {
			t.Errorf("unfiltered kind = %q, want %q", got.Kind, want)
		}
	}
	if got := receive(t, done); got.Kind != KindToolDone {
		t.Errorf("filtered kind = %q, want %q", got.Kind, KindToolDone)
	}
	select {
	case e := <-done.C:
		t.Errorf("filtered subscription got %q", e.Kind)
	default:
	}
}

func TestPublish_SlowSubscriberCountsDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	defer slow.Close()
	fast := b.Subscribe(3)
	defer fast.Close()

	for _, k := range []string{"a", "b", "c"} {
		b.Publish(Event{Kind: k})
	}

	if got := receive(t, slow); got.Kind != "a" {
		t.Errorf("slow kind = %q, want a", got.Kind)
	}
	if got := slow.Dropped(); got != 2 {
		t.Errorf("slow Dropped() = %d, want 2", got)
	}
	if got := fast.Dropped(); got != 0 {
		t.Errorf("fast Dropped() = %d, want 0", got)
	}
}

func TestClose_ClosesChannelOnce(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	s.Close()
	s.Close()

	if _, ok := <-s.C; ok {
		t.Error("C should be closed after Close")
	}
	if got := b.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
	b.Publish(Event{Kind: KindToolCall})
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for j := 0; j < 8; j++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				b.Publish(Event{Source: SourceBridge, Kind: KindToolsBridged})
			}
		}()
		go func() {
			defer wg.Done()
			b.Subscribe(16, KindToolsBridged).Close()
		}()
	}
	wg.Wait()
	if got := b.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}
