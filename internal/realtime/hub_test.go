package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dealshield/dealshield/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// wants tests
// ---------------------------------------------------------------------------

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "escrow_initialized", Timestamp: time.Now()}
	if !client.wants(event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow_completed", "escrow_cancelled"},
	}}

	completed := &Event{Type: "escrow_completed"}
	cancelled := &Event{Type: "escrow_cancelled"}
	initialized := &Event{Type: "escrow_initialized"}

	if !client.wants(completed) {
		t.Error("Should receive escrow_completed events")
	}
	if !client.wants(cancelled) {
		t.Error("Should receive escrow_cancelled events")
	}
	if client.wants(initialized) {
		t.Error("Should NOT receive escrow_initialized events")
	}
}

func TestWants_PartyFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		Parties: []string{"0xbuyer1"},
	}}

	asBuyer := &Event{
		Type:   "escrow_initialized",
		Escrow: &escrow.Record{Buyer: "0xbuyer1", Seller: "0xother"},
	}
	asSeller := &Event{
		Type:   "escrow_completed",
		Escrow: &escrow.Record{Buyer: "0xsomeone", Seller: "0xbuyer1"},
	}
	unrelated := &Event{
		Type:   "escrow_initialized",
		Escrow: &escrow.Record{Buyer: "0xother", Seller: "0xanother"},
	}

	if !client.wants(asBuyer) {
		t.Error("Should match on buyer address")
	}
	if !client.wants(asSeller) {
		t.Error("Should match on seller address")
	}
	if client.wants(unrelated) {
		t.Error("Should NOT match unrelated parties")
	}
}

func TestWants_EmptySubscription(t *testing.T) {
	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "escrow_initialized"}
	if !client.wants(event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestWants_PartyFilterWithoutRecord(t *testing.T) {
	client := &Client{sub: Subscription{
		Parties: []string{"0xbuyer1"},
	}}

	// Party filter skips events with no escrow payload, so event passes through
	event := &Event{Type: "escrow_initialized"}
	if !client.wants(event) {
		t.Error("Event without escrow payload should pass through the party filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: "escrow_initialized", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.EscrowEvent("escrow_completed", &escrow.Record{
		ID: "esc_1", Buyer: "0xa", Seller: "0xb", Amount: 100,
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants settlement events
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"escrow_completed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Initialization event should be filtered out
	h.Broadcast(&Event{Type: "escrow_initialized", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow_initialized event")
	default:
		// Good - filtered out
	}

	// Settlement event should be received
	h.Broadcast(&Event{Type: "escrow_completed", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive escrow_completed event")
	}
}
