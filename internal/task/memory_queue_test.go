package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueDeliversAndSurvivesHandlerErrors(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if q.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", q.Depth())
	}

	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			handled.Add(1)
			if id == "b" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	waitFor(t, func() bool { return handled.Load() == 3 })
	if q.Depth() != 0 {
		t.Fatalf("queue should be drained, depth %d", q.Depth())
	}

	_ = q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close should stop consume cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consume did not stop after close")
	}
	if err := q.Publish(ctx, "late"); err == nil {
		t.Fatalf("publish after close should fail")
	}
	_ = q.Close()
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full queue should block until deadline, got %v", err)
	}
}
