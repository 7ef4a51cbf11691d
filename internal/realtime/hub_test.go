package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventDecision, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDecision, EventThreat},
	}}

	decisionEvent := &Event{Type: EventDecision}
	threatEvent := &Event{Type: EventThreat}
	sessionEvent := &Event{Type: EventSessionTerminated}

	if !h.shouldSend(client, decisionEvent) {
		t.Error("Should receive decision events")
	}
	if !h.shouldSend(client, threatEvent) {
		t.Error("Should receive threat events")
	}
	if h.shouldSend(client, sessionEvent) {
		t.Error("Should NOT receive session_terminated events")
	}
}

func TestShouldSend_SourceFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Sources: []string{"api-client-1"},
	}}

	matching := &Event{
		Type: EventThreat,
		Data: map[string]interface{}{"source": "api-client-1"},
	}
	notMatching := &Event{
		Type: EventThreat,
		Data: map[string]interface{}{"source": "api-client-2"},
	}
	matchingUser := &Event{
		Type: EventDecision,
		Data: map[string]interface{}{"user_id": "api-client-1"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on source")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated sources")
	}
	if !h.shouldSend(client, matchingUser) {
		t.Error("Should match on user_id")
	}
}

func TestShouldSend_MinLevelFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinLevel: "high",
	}}

	critical := &Event{
		Type: EventThreat,
		Data: map[string]interface{}{"level": "critical"},
	}
	medium := &Event{
		Type: EventThreat,
		Data: map[string]interface{}{"level": "medium"},
	}
	decision := &Event{
		Type: EventDecision,
		Data: map[string]interface{}{"decision": "allow"},
	}

	if !h.shouldSend(client, critical) {
		t.Error("Should receive critical threat")
	}
	if h.shouldSend(client, medium) {
		t.Error("Should NOT receive medium threat")
	}
	if !h.shouldSend(client, decision) {
		t.Error("MinLevel filter should only apply to threat events")
	}
}

func TestShouldSend_MinScoreFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinScore: 0.5,
	}}

	risky := &Event{
		Type: EventDecision,
		Data: map[string]interface{}{"score": 0.8},
	}
	safe := &Event{
		Type: EventDecision,
		Data: map[string]interface{}{"score": 0.1},
	}
	threat := &Event{
		Type: EventThreat,
		Data: map[string]interface{}{"level": "low"},
	}

	if !h.shouldSend(client, risky) {
		t.Error("Should receive high-score decision")
	}
	if h.shouldSend(client, safe) {
		t.Error("Should NOT receive low-score decision")
	}
	if !h.shouldSend(client, threat) {
		t.Error("MinScore filter should only apply to decision events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventDecision}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Sources: []string{"api-client-1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSessionTerminated,
		Data: "string data not a map",
	}

	// Source filter skips non-map data (can't extract sources), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when source filter can't extract fields")
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

	// Broadcast an event
	h.Broadcast(&Event{Type: EventDecision, Timestamp: time.Now()})
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

	h.BroadcastDecision("txn-1", "u1", "review", 0.6)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastThreat(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastThreat("evt_1", "api-client-1", "api_abuse", "critical", "request flood", true)
	h.BroadcastSessionTerminated("sess_1", "u1", "critical_risk", 85)
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

	// Client only wants threats
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventThreat}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a decision event (should be filtered out)
	h.Broadcast(&Event{Type: EventDecision, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive decision event")
	default:
		// Good - filtered out
	}

	// Send a threat event (should be received)
	h.Broadcast(&Event{Type: EventThreat, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive threat event")
	}
}
