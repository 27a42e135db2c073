package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub, tenantID string) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, tenantID)
	}))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}
	return conn, cleanup
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "tenant-a")
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", count)
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub, "tenant-a")
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(DeliveryEvent{
		Type:           TypeDeliverySuccess,
		TenantID:       "tenant-a",
		DeliveryID:     "del-1",
		EventID:        "evt-123",
		SubscriptionID: "sub-456",
		TargetURL:      "http://example.com/webhook",
		EventType:      "orders.order.created",
		Attempt:        1,
		ResponseMs:     42,
		Timestamp:      time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	msg := string(message)
	if !strings.Contains(msg, TypeDeliverySuccess) {
		t.Errorf("expected message to contain %q, got: %s", TypeDeliverySuccess, msg)
	}
	if !strings.Contains(msg, "evt-123") {
		t.Errorf("expected message to contain event ID, got: %s", msg)
	}
}

func TestHub_TenantIsolation(t *testing.T) {
	hub := setupTestHub(t)

	connA, cleanupA := connectWS(t, hub, "tenant-a")
	defer cleanupA()
	connB, cleanupB := connectWS(t, hub, "tenant-b")
	defer cleanupB()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("expected 2 clients, got %d", count)
	}
	if count := hub.TenantClientCount("tenant-a"); count != 1 {
		t.Errorf("expected 1 tenant-a client, got %d", count)
	}

	hub.Broadcast(DeliveryEvent{Type: TypeDeliveryFailed, TenantID: "tenant-b", EventID: "evt-b"})
	hub.Broadcast(DeliveryEvent{Type: TypeDeliveryFailed, TenantID: "tenant-a", EventID: "evt-a"})

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("tenant-a failed to read: %v", err)
	}
	if strings.Contains(string(message), "evt-b") {
		t.Fatalf("tenant-a received tenant-b's update: %s", message)
	}
	if !strings.Contains(string(message), "evt-a") {
		t.Errorf("tenant-a expected its own update, got %s", message)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err = connB.ReadMessage()
	if err != nil {
		t.Fatalf("tenant-b failed to read: %v", err)
	}
	if !strings.Contains(string(message), "evt-b") {
		t.Errorf("tenant-b expected its own update, got %s", message)
	}
}

func TestHub_MultipleClientsSameTenant(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub, "tenant-a")
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub, "tenant-a")
	defer cleanup2()

	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(DeliveryEvent{Type: TypeDeliverySuccess, TenantID: "tenant-a", EventID: "evt-multi"})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d failed to read: %v", i+1, err)
		}
		if !strings.Contains(string(message), "evt-multi") {
			t.Errorf("client %d didn't receive broadcast", i+1)
		}
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}
