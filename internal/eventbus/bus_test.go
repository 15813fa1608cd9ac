package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: OccurrenceCreated, Data: Payload{ScheduleID: "s1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != OccurrenceCreated || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
			if p, ok := e.Data.(Payload); !ok || p.ScheduleID != "s1" {
				t.Fatalf("payload = %#v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: OccurrenceMissed})
	b.Publish(Event{Type: OccurrenceMissed})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, open := <-ch; open {
		t.Fatal("channel still open")
	}
	b.Publish(Event{Type: ScheduleExpired})
}
