package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: TypeNewItem, Data: "alice"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeNewItem || e.Time.IsZero() {
				t.Fatalf("event=%+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeCheckDone})
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected %q", e.Type)
	default:
	}
}
