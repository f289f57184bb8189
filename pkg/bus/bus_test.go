package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "msg", SessionID: "test:c"})
	}

	mb.PublishInbound(InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}

func TestMessageBus_RoundTrip(t *testing.T) {
	mb := NewMessageBusSize(2)
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "discord", ChatID: "42", Content: "hello", SessionID: "discord:42"})
	got, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if got.SessionID != "discord:42" || got.Content != "hello" {
		t.Fatalf("unexpected inbound message %+v", got)
	}

	mb.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "42", Content: "hi", ReplyTo: "m1"})
	out, ok := mb.SubscribeOutbound(context.Background())
	if !ok || out.ReplyTo != "m1" {
		t.Fatalf("unexpected outbound message %+v (ok=%v)", out, ok)
	}
}

func TestMessageBus_ConsumeHonoursContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to give up when the context ends")
	}
}

func TestMessageBus_PublishAfterCloseIsIgnored(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	mb.PublishInbound(InboundMessage{Content: "late"})
	mb.PublishOutbound(OutboundMessage{Content: "late"})
	if mb.DroppedInbound() != 0 || mb.DroppedOutbound() != 0 {
		t.Fatal("publishing to a closed bus is not a drop")
	}
}
