package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceAgent, KindTurnStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceAgent, KindTurnComplete, map[string]any{"turn_id": "t1"})

	select {
	case got := <-ch:
		if got.Source != SourceAgent || got.Kind != KindTurnComplete {
			t.Errorf("got %s/%s", got.Source, got.Kind)
		}
		if got.Data["turn_id"] != "t1" {
			t.Errorf("turn_id = %v", got.Data["turn_id"])
		}
		if got.Timestamp.Before(before) {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 3)
	for i := range subs {
		subs[i] = b.Subscribe(4)
	}
	b.Emit(SourceFacts, KindFactTaught, nil)
	for i, ch := range subs {
		select {
		case e := <-ch:
			if e.Kind != KindFactTaught {
				t.Errorf("sub %d got %s", i, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d timed out", i)
		}
		b.Unsubscribe(ch)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribing all", n)
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	for range 3 {
		b.Emit(SourceAgent, KindToolCall, nil)
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	if got := len(ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	b.Emit(SourceAgent, KindTurnFailed, nil)
}

func TestConcurrentUse(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(SourceAgent, KindLLMCall, map[string]any{"iter": j})
			}
		}()
		go func() {
			defer wg.Done()
			ch := b.Subscribe(16)
			for j := 0; j < 10; j++ {
				select {
				case <-ch:
				default:
				}
			}
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}
