package eventbus

import (
	"testing"
	"time"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe(TopicNodeUpdate)
	defer sub.Close()

	bus.Publish(TopicNodeUpdate, "node-1")

	select {
	case evt := <-sub.Events():
		if evt.ID != "node-1" {
			t.Fatalf("expected id node-1, got %q", evt.ID)
		}
		if evt.DropCount != 0 {
			t.Fatalf("expected no drops, got %d", evt.DropCount)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_DoesNotBlockOnFullQueue(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe(TopicJobUpdate)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicJobUpdate, "job")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}

func TestPublish_DropsOldestAndAnnotatesDropCount(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe(TopicJobUpdate)
	defer sub.Close()

	bus.Publish(TopicJobUpdate, "job-1")
	bus.Publish(TopicJobUpdate, "job-2")
	bus.Publish(TopicJobUpdate, "job-3")

	select {
	case evt := <-sub.Events():
		if evt.ID != "job-3" {
			t.Fatalf("expected the newest event job-3 to survive, got %q", evt.ID)
		}
		if evt.DropCount == 0 {
			t.Fatalf("expected dropped events to be reflected in drop_count, got 0")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_TopicsAreIsolated(t *testing.T) {
	bus := New(4)
	nodeSub := bus.Subscribe(TopicNodeUpdate)
	jobSub := bus.Subscribe(TopicJobUpdate)
	defer nodeSub.Close()
	defer jobSub.Close()

	bus.Publish(TopicNodeUpdate, "node-1")

	select {
	case <-jobSub.Events():
		t.Fatal("job subscriber should not receive node_update events")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case evt := <-nodeSub.Events():
		if evt.ID != "node-1" {
			t.Fatalf("expected node-1, got %q", evt.ID)
		}
	default:
		t.Fatal("node subscriber should have received the event")
	}
}

func TestClose_UnsubscribesAndStopsDelivery(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe(TopicNodeUpdate)
	sub.Close()

	// Publishing after close must not panic or block.
	bus.Publish(TopicNodeUpdate, "node-1")

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected channel to be closed after Close()")
	}
}
