package eventbus

import "testing"

func TestSubscribePublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(Kind("contact.added"))

	b.Publish(Event{Kind: Kind("contact.added"), Component: "dht", Data: "peer1"})

	select {
	case ev := <-ch:
		if ev.Data.(string) != "peer1" {
			t.Fatalf("unexpected event data: %v", ev.Data)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestPublishWrongKindNotDelivered(t *testing.T) {
	b := New()
	ch := b.Subscribe(Kind("a"))
	b.Publish(Event{Kind: Kind("b")})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %v", ev)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe(Kind("x"))
	b.Unsubscribe(Kind("x"), ch)
	b.Publish(Event{Kind: Kind("x")})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after unsubscribe: %v", ev)
	default:
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	_ = b.Subscribe(Kind("full"))
	for i := 0; i < BufferSize+10; i++ {
		b.Publish(Event{Kind: Kind("full"), Data: i})
	}
}

func TestMultipleSubscribersBothReceive(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(Kind("fanout"))
	ch2 := b.Subscribe(Kind("fanout"))
	b.Publish(Event{Kind: Kind("fanout"), Data: 1})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		default:
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}
