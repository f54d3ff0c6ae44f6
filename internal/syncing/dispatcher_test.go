package syncing

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherDeliversToEverySubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx := context.Background()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Publish(ChangeEvent{EventType: EventPostChanged, PostIDs: []string{"1:1"}})

	for name, stream := range map[string]<-chan ChangeEvent{"first": first, "second": second} {
		select {
		case event := <-stream:
			if event.EventType != EventPostChanged {
				t.Fatalf("%s subscriber got unexpected event: %q", name, event.EventType)
			}
		default:
			t.Fatalf("%s subscriber received nothing", name)
		}
	}
}

func TestDispatcherDropsEventsForSlowSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	// Overfill the buffer; the surplus publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 40; i++ {
			dispatcher.Publish(ChangeEvent{EventType: EventPostChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}

	delivered := 0
	for {
		select {
		case <-stream:
			delivered++
			continue
		default:
		}
		break
	}
	if delivered == 0 || delivered > 16 {
		t.Fatalf("expected a bounded buffer of deliveries, got %d", delivered)
	}
}

func TestDispatcherIgnoresEmptyEvents(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	dispatcher.Publish(ChangeEvent{})

	select {
	case event := <-stream:
		t.Fatalf("unexpected delivery: %+v", event)
	default:
	}
}

func TestSubscribeCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	cleanup()

	dispatcher.Publish(ChangeEvent{EventType: EventPostChanged})

	select {
	case event := <-stream:
		t.Fatalf("unexpected delivery after cleanup: %+v", event)
	default:
	}
}

func TestSubscribeContextCancelUnregisters(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	// Unregistration runs in a goroutine watching ctx; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	dispatcher.Publish(ChangeEvent{EventType: EventPostChanged})
	select {
	case event := <-stream:
		t.Fatalf("unexpected delivery after cancellation: %+v", event)
	default:
	}
}
