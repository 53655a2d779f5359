package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisRelayRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	local := NewBus()
	relay, err := NewRedisRelay(context.Background(), RedisRelayConfig{Address: mr.Addr(), Prefix: "test:events:"}, local)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumPat() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sub := relay.Subscribe("t-1")
	defer relay.Unsubscribe(sub)
	relay.Emit(ctx, StepStarted("t-1", "step_0", "add", map[string]any{"a": 1.0}))

	ev, err := sub.Next(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Type != TypeStepStarted || ev.TraceID != "t-1" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if relay.channel("t-1") != "test:events:trace:t-1" {
		t.Fatalf("unexpected channel %s", relay.channel("t-1"))
	}
}

func TestRedisRelayFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	local := NewBus()
	relay, err := NewRedisRelay(context.Background(), RedisRelayConfig{Address: mr.Addr()}, local)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	sub := relay.Subscribe("t-2")
	defer relay.Unsubscribe(sub)

	mr.Close()
	relay.Emit(context.Background(), RunError("t-2", "boom"))

	ev, err := sub.Next(context.Background(), time.Second)
	if err != nil || ev.Type != TypeRunError {
		t.Fatalf("expected local delivery, got %+v (%v)", ev, err)
	}
	_ = relay.Close()
}

func TestNewRedisRelayValidates(t *testing.T) {
	if _, err := NewRedisRelay(context.Background(), RedisRelayConfig{}, NewBus()); err == nil {
		t.Fatalf("empty address should fail")
	}
	if _, err := NewRedisRelay(context.Background(), RedisRelayConfig{Address: "127.0.0.1:1"}, nil); err == nil {
		t.Fatalf("nil bus should fail")
	}
}
