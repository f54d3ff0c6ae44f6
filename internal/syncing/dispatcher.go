package syncing

import (
	"context"
	"sync"
	"time"
)

const (
	// EventPostChanged announces a committed create or update.
	EventPostChanged = "post-change"
	// EventPostDeleted announces a committed soft delete.
	EventPostDeleted = "post-delete"
	// EventPostRestored announces a recovery from trash.
	EventPostRestored = "post-restore"
)

// ChangeEvent is the best-effort notification pushed to subscribed replicas
// after a committed mutation.
type ChangeEvent struct {
	EventType string    `json:"event_type"`
	PostIDs   []string  `json:"post_ids"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans change events out to in-process subscribers (the SSE feed
// for display clients). Slow subscribers drop events rather than blocking the
// write path.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener until ctx is done or the cleanup func runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.register(sub)
	cleanup := func() {
		d.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every current subscriber without blocking.
func (d *Dispatcher) Publish(event ChangeEvent) {
	if event.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}
