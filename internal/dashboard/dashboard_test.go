package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // Use random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return server
}

func dialTestServer(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestServerStartStop(t *testing.T) {
	server := startTestServer(t)

	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialTestServer(t, ctx, server)

	// Connection registration is asynchronous with the HTTP handler.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestUpgradeStepBroadcast(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestServer(t, ctx, server)

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	server.UpgradeStep(4, 5)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeUpgradeStep {
		t.Errorf("Expected message type %s, got %s", MessageTypeUpgradeStep, msg.Type)
	}

	var step UpgradeStepData
	if err := json.Unmarshal(msg.Data, &step); err != nil {
		t.Fatalf("Failed to unmarshal step data: %v", err)
	}
	if step.From != 4 || step.To != 5 {
		t.Errorf("Expected step 4 -> 5, got %d -> %d", step.From, step.To)
	}
}

func TestContentUpdateBroadcast(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestServer(t, ctx, server)

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	server.ContentUpdated(30, 12, 3)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeContentUpdate {
		t.Errorf("Expected message type %s, got %s", MessageTypeContentUpdate, msg.Type)
	}

	var update ContentUpdateData
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("Failed to unmarshal update data: %v", err)
	}
	if update.Version != 30 || update.Applied != 12 || update.Skipped != 3 {
		t.Errorf("Update data mismatch: %+v", update)
	}
}
