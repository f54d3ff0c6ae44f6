package syncing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type countingWebhookTarget struct {
	mu       sync.Mutex
	requests int
	statuses []int
}

func (t *countingWebhookTarget) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := http.StatusOK
	if t.requests < len(t.statuses) {
		status = t.statuses[t.requests]
	}
	t.requests++
	w.WriteHeader(status)
}

func (t *countingWebhookTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

func newTestNotifier(target string) *WebhookNotifier {
	return NewWebhookNotifier(WebhookConfig{
		Targets:     []string{target},
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	})
}

func TestNotifyDeliversOnceOnSuccess(t *testing.T) {
	target := &countingWebhookTarget{}
	server := httptest.NewServer(target)
	defer server.Close()

	notifier := newTestNotifier(server.URL)
	notifier.Notify(context.Background(), ChangeEvent{EventType: EventPostChanged, PostIDs: []string{"1:1"}})

	if target.count() != 1 {
		t.Fatalf("expected one delivery, got %d", target.count())
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	target := &countingWebhookTarget{statuses: []int{
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusOK,
	}}
	server := httptest.NewServer(target)
	defer server.Close()

	notifier := newTestNotifier(server.URL)
	notifier.Notify(context.Background(), ChangeEvent{EventType: EventPostChanged})

	if target.count() != 3 {
		t.Fatalf("expected retries until success, got %d deliveries", target.count())
	}
}

func TestNotifyStopsAfterMaxAttempts(t *testing.T) {
	target := &countingWebhookTarget{statuses: []int{
		http.StatusInternalServerError,
		http.StatusInternalServerError,
		http.StatusInternalServerError,
		http.StatusInternalServerError,
	}}
	server := httptest.NewServer(target)
	defer server.Close()

	notifier := newTestNotifier(server.URL)
	notifier.Notify(context.Background(), ChangeEvent{EventType: EventPostChanged})

	if target.count() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", target.count())
	}
}

func TestNotifyNeverRetriesClientRejections(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound} {
		target := &countingWebhookTarget{statuses: []int{status, http.StatusOK}}
		server := httptest.NewServer(target)

		notifier := newTestNotifier(server.URL)
		notifier.Notify(context.Background(), ChangeEvent{EventType: EventPostChanged})

		if target.count() != 1 {
			t.Fatalf("status %d: expected no retry, got %d deliveries", status, target.count())
		}
		server.Close()
	}
}

func TestNotifyRetriesTransportFailures(t *testing.T) {
	target := &countingWebhookTarget{}
	server := httptest.NewServer(target)
	// Closing up front turns every attempt into a transport failure.
	server.Close()

	notifier := newTestNotifier(server.URL)
	notifier.Notify(context.Background(), ChangeEvent{EventType: EventPostChanged})

	if target.count() != 0 {
		t.Fatalf("closed server unexpectedly served %d requests", target.count())
	}
}

func TestNotifyAbortsWhenContextCancelled(t *testing.T) {
	target := &countingWebhookTarget{statuses: []int{http.StatusInternalServerError}}
	server := httptest.NewServer(target)
	defer server.Close()

	notifier := NewWebhookNotifier(WebhookConfig{
		Targets:     []string{server.URL},
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		notifier.Notify(ctx, ChangeEvent{EventType: EventPostChanged})
		close(done)
	}()

	// Let the first attempt land, then cancel during the backoff wait.
	deadline := time.Now().Add(2 * time.Second)
	for target.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled notify did not return")
	}
	if target.count() != 1 {
		t.Fatalf("expected delivery to stop after cancellation, got %d attempts", target.count())
	}
}

func TestNotifyWithoutTargetsIsNoOp(t *testing.T) {
	notifier := NewWebhookNotifier(WebhookConfig{})
	notifier.Notify(context.Background(), ChangeEvent{EventType: EventPostChanged})
}
