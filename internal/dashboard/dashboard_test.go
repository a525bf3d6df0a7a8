package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sdxl-assets/sam/internal/sync"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0", // random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes its greeting.
func dial(ctx context.Context, t *testing.T, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, read(ctx, t, conn)
}

func read(ctx context.Context, t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// waitClients polls until the server has registered n clients.
func waitClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Addr() = %q, want the bound address", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestServerStart_AddressInUse(t *testing.T) {
	first := startServer(t)
	second := NewServer(&Config{Addr: first.Addr(), Logger: log.New(io.Discard, "", 0)})
	if err := second.Start(); err == nil {
		_ = second.Stop()
		t.Fatal("Start() on a busy address succeeded")
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dial(ctx, t, server)
	waitClients(t, server, 1)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Clients != 1 {
		t.Errorf("health = %+v", body)
	}

	resp, err = http.Get("http://" + server.Addr() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", resp.StatusCode)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	for i := 0; i < numClients; i++ {
		_, hello := dial(ctx, t, server)
		if hello.Type != MessageTypeHello {
			t.Errorf("client %d greeting type = %s", i, hello.Type)
		}
	}
	waitClients(t, server, numClients)
}

func TestHandler_StreamsPass(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, hello := dial(ctx, t, server)
	if len(hello.Data) != 0 {
		t.Errorf("greeting before any pass carries data: %s", hello.Data)
	}
	waitClients(t, server, 1)

	h := NewHandler(server, log.New(io.Discard, "", 0))
	pair := sync.PairKey{Local: "7", External: "page-7"}

	h.PhaseChanged("pass-1", sync.PhaseApplying)
	h.RecordApplied("pass-1", sync.PlannedAction{Pair: pair, Kind: sync.LocalChanged, Action: sync.ActionPush, Title: "Night city"}, nil)
	h.RecordApplied("pass-1", sync.PlannedAction{Pair: pair, Kind: sync.RemoteChanged, Action: sync.ActionPull}, errors.New("disk full"))

	rep := &sync.Report{
		PassID:     "pass-1",
		Policy:     sync.PolicyNewestWins,
		Phase:      sync.PhaseCommitted,
		StartedAt:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 6, 1, 9, 0, 2, 0, time.UTC),
		Counts:     map[sync.ChangeKind]int{sync.LocalChanged: 1, sync.RemoteChanged: 1},
		Applied:    1,
		Errors:     []sync.RecordError{{Pair: pair, Phase: sync.PhaseApplying, Message: "disk full"}},
	}
	h.PassFinished(rep)

	msg := read(ctx, t, conn)
	var phase PhaseData
	if msg.Type != MessageTypePhase || json.Unmarshal(msg.Data, &phase) != nil || phase.Phase != sync.PhaseApplying {
		t.Errorf("first message = %s %s", msg.Type, msg.Data)
	}

	msg = read(ctx, t, conn)
	var rec RecordData
	if err := json.Unmarshal(msg.Data, &rec); err != nil || msg.Type != MessageTypeRecord {
		t.Fatalf("second message = %s %s", msg.Type, msg.Data)
	}
	if rec.Pair != pair.String() || rec.Action != sync.ActionPush || rec.Title != "Night city" || rec.Error != "" {
		t.Errorf("record = %+v", rec)
	}

	msg = read(ctx, t, conn)
	if err := json.Unmarshal(msg.Data, &rec); err != nil || rec.Error != "disk full" {
		t.Errorf("failed record = %+v (%v)", rec, err)
	}

	msg = read(ctx, t, conn)
	var pass PassData
	if err := json.Unmarshal(msg.Data, &pass); err != nil || msg.Type != MessageTypePassFinished {
		t.Fatalf("last message = %s %s", msg.Type, msg.Data)
	}
	if pass.PassID != "pass-1" || pass.Applied != 1 || pass.Errors != 1 || pass.Duration != 2*time.Second {
		t.Errorf("pass = %+v", pass)
	}
	if pass.Counts[sync.LocalChanged] != 1 {
		t.Errorf("pass counts = %v", pass.Counts)
	}

	// A late client is greeted with the last report.
	_, hello = dial(ctx, t, server)
	if err := json.Unmarshal(hello.Data, &pass); err != nil || pass.PassID != "pass-1" {
		t.Errorf("late greeting = %s", hello.Data)
	}
}
