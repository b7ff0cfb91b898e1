package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ch := bus.Subscribe(EventApplyStarted)
	bus.Publish(EventApplyStarted, map[string]any{"operation_id": "op-1"})

	select {
	case ev := <-ch:
		if ev.Type != EventApplyStarted {
			t.Errorf("type = %s, want %s", ev.Type, EventApplyStarted)
		}
		if ev.Data["operation_id"] != "op-1" {
			t.Errorf("data = %v", ev.Data)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	started := bus.Subscribe(EventApplyStarted)
	bus.Publish(EventApplyCompleted, nil)

	select {
	case ev := <-started:
		t.Errorf("unexpected event %s on apply_started subscription", ev.Type)
	default:
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	a := bus.Subscribe(EventChangesetArchived)
	b := bus.Subscribe(EventChangesetArchived)
	bus.Publish(EventChangesetArchived, map[string]any{"branch": "main"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Data["branch"] != "main" {
				t.Errorf("data = %v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch := bus.Subscribe(EventApplyCompleted)
	// Second publish finds the buffer full and must not block
	bus.Publish(EventApplyCompleted, map[string]any{"n": 1})
	bus.Publish(EventApplyCompleted, map[string]any{"n": 2})

	ev := <-ch
	if ev.Data["n"] != 1 {
		t.Errorf("first event data = %v", ev.Data)
	}
	select {
	case ev := <-ch:
		t.Errorf("second event should have been dropped, got %v", ev.Data)
	default:
	}
}

func TestBus_CloseClosesChannels(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe(EventApplyRolledBack)
	bus.Close()

	if _, open := <-ch; open {
		t.Error("channel still open after Close")
	}
}
