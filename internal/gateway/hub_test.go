package gateway

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func receiveEvent(t *testing.T, stream <-chan Event) Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
		return Event{}
	}
}

func expectSilence(t *testing.T, stream <-chan Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("did not expect event %q", event.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubBroadcastReachesAllConnections(t *testing.T) {
	hub := NewHub()
	first := hub.Attach("conn-1")
	second := hub.Attach("conn-2")

	hub.Broadcast(Event{Name: EventNewMessage})

	if event := receiveEvent(t, first); event.Name != EventNewMessage {
		t.Fatalf("unexpected event %q", event.Name)
	}
	if event := receiveEvent(t, second); event.Name != EventNewMessage {
		t.Fatalf("unexpected event %q", event.Name)
	}
}

func TestHubBroadcastExceptSkipsOrigin(t *testing.T) {
	hub := NewHub()
	origin := hub.Attach("conn-1")
	other := hub.Attach("conn-2")

	hub.BroadcastExcept("conn-1", Event{Name: EventUserTyping})

	if event := receiveEvent(t, other); event.Name != EventUserTyping {
		t.Fatalf("unexpected event %q", event.Name)
	}
	expectSilence(t, origin)
}

func TestHubSendTargetsSingleConnection(t *testing.T) {
	hub := NewHub()
	target := hub.Attach("conn-1")
	bystander := hub.Attach("conn-2")

	if !hub.Send("conn-1", Event{Name: EventAuthenticated}) {
		t.Fatalf("expected send to succeed")
	}
	if hub.Send("ghost", Event{Name: EventAuthenticated}) {
		t.Fatalf("expected send to an unknown connection to fail")
	}

	if event := receiveEvent(t, target); event.Name != EventAuthenticated {
		t.Fatalf("unexpected event %q", event.Name)
	}
	expectSilence(t, bystander)
}

func TestHubDetachClosesStream(t *testing.T) {
	hub := NewHub()
	stream := hub.Attach("conn-1")

	hub.Detach("conn-1")

	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected no attached connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastDuringAttachDetachChurn(t *testing.T) {
	hub := NewHub()
	const workers = 4

	stop := make(chan struct{})
	var broadcasters sync.WaitGroup
	for i := 0; i < workers; i++ {
		broadcasters.Add(1)
		go func() {
			defer broadcasters.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				hub.Broadcast(Event{Name: EventNewMessage})
				hub.BroadcastExcept("conn-0-0", Event{Name: EventUserTyping})
			}
		}()
	}

	var churners sync.WaitGroup
	for i := 0; i < workers; i++ {
		churners.Add(1)
		go func(worker int) {
			defer churners.Done()
			for j := 0; j < 200; j++ {
				connectionID := fmt.Sprintf("conn-%d-%d", worker, j)
				stream := hub.Attach(connectionID)
				hub.Send(connectionID, Event{Name: EventAuthenticated})
				hub.Detach(connectionID)
				for range stream {
					// drain until the detach closes the stream
				}
			}
		}(i)
	}
	churners.Wait()
	close(stop)
	broadcasters.Wait()

	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected no attached connections after churn, got %d", hub.ConnectionCount())
	}
}

func TestHubSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	hub.Attach("conn-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultStreamBuffer*2; i++ {
			hub.Broadcast(Event{Name: EventNewMessage})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow consumer")
	}
}
