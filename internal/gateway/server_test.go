package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/swarmgate/internal/approval"
	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/router"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

type testGateway struct {
	srv  *Server
	addr string
	bus  *bus.Bus
	gate *approval.Gate
}

func startGateway(t *testing.T, cfg *config.Config, turn TurnStarter) *testGateway {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	var srv *Server
	gate := approval.NewGate(approval.BroadcastFunc(func(f *protocol.Frame) {
		if srv != nil {
			srv.Broadcast(f)
		}
	}), nil, "", audit.NewLogger(st, b))

	srv = NewServer(cfg, b, gate)
	srv.SetTurnStarter(turn)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()
	waitHealthy(t, addr)

	return &testGateway{srv: srv, addr: addr, bus: b, gate: gate}
}

func waitHealthy(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway never became healthy")
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatal(err)
	}
}

func defaultConfig() *config.Config {
	return &config.Config{}
}

func TestConnectAndChat(t *testing.T) {
	var gw *testGateway
	turn := func(ctx context.Context, sessionID, channel, content string) error {
		gw.srv.Send(sessionID, protocol.StreamFrame(sessionID, uuid.NewString(), protocol.StreamResponse, "hel"))
		gw.srv.Send(sessionID, protocol.StreamFrame(sessionID, uuid.NewString(), protocol.StreamResponse, "lo"))
		gw.srv.Send(sessionID, protocol.MessageFrame(sessionID, "hello to you"))
		return nil
	}
	gw = startGateway(t, defaultConfig(), turn)

	conn := dial(t, gw.addr)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeConnect, Channel: protocol.ChannelChat})

	reply := readFrame(t, conn)
	if reply.Type != protocol.TypeConnect || reply.SessionID == "" {
		t.Fatalf("connect reply = %+v", reply)
	}
	if _, err := uuid.Parse(reply.SessionID); err != nil {
		t.Fatalf("sessionId %q is not a uuid", reply.SessionID)
	}

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeMessage, SessionID: reply.SessionID, Content: "hello"})

	// Ordered: stream responses first, then exactly one final message.
	streams := 0
	for {
		f := readFrame(t, conn)
		if f.Type == protocol.TypeStream && f.StreamType == protocol.StreamResponse {
			streams++
			continue
		}
		if f.Type == protocol.TypeMessage {
			if streams < 1 {
				t.Error("final message arrived before any stream delta")
			}
			if f.Content == "" {
				t.Error("final message must be non-empty")
			}
			return
		}
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	conn := dial(t, gw.addr)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeMessage, Content: "hi"})
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError || f.Code != "PROTOCOL" {
		t.Fatalf("frame = %+v", f)
	}
	// Server closes the socket after the protocol error.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed")
	}
}

func TestMalformedFrameClosesWithError(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	conn := dial(t, gw.addr)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wormhole"}`))
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError || f.Code != "INVALID_FRAME" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestMessageToUnknownSession(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	conn := dial(t, gw.addr)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeConnect, Channel: protocol.ChannelCLI})
	readFrame(t, conn)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeMessage, SessionID: uuid.NewString(), Content: "hi"})
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError || f.Code != "NO_SESSION" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestUnknownChannelRejected(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	conn := dial(t, gw.addr)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeConnect, Channel: "carrier-pigeon"})
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError || f.Code != "PROTOCOL" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := defaultConfig()
	cfg.Gateway.Token = "hunter2"
	gw := startGateway(t, cfg, nil)

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+gw.addr+"/ws", nil); err == nil {
		t.Fatal("tokenless dial should be rejected")
	}

	header := http.Header{"Authorization": []string{"Bearer hunter2"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+gw.addr+"/ws", header)
	if err != nil {
		t.Fatalf("bearer dial: %v", err)
	}
	conn.Close()

	conn2, _, err := websocket.DefaultDialer.Dial("ws://"+gw.addr+"/ws?token=hunter2", nil)
	if err != nil {
		t.Fatalf("query token dial: %v", err)
	}
	conn2.Close()
}

func TestOriginCheck(t *testing.T) {
	cfg := defaultConfig()
	cfg.Gateway.AllowedOrigins = []string{"https://dash.example.com"}
	gw := startGateway(t, cfg, nil)

	bad := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial("ws://"+gw.addr+"/ws", bad); err == nil {
		t.Fatal("disallowed origin should be rejected")
	}

	good := http.Header{"Origin": []string{"https://dash.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+gw.addr+"/ws", good)
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	conn.Close()

	// No Origin header (CLI clients) always passes.
	conn2, _, err := websocket.DefaultDialer.Dial("ws://"+gw.addr+"/ws", nil)
	if err != nil {
		t.Fatalf("headerless dial: %v", err)
	}
	conn2.Close()
}

func TestBridge_TokenUpdateAndStatus(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	gw.srv.StartBridge()
	defer gw.srv.StopBridge()

	conn := dial(t, gw.addr)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeConnect, Channel: protocol.ChannelDashboard})
	readFrame(t, conn)

	gw.bus.Broadcast(bus.Event{Name: protocol.EventTokenUsage, Payload: store.TokenUsage{
		Model: "openai/gpt-4.1", Role: "thinking",
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
		EstimatedCost: 0.00003, Timestamp: time.Now(),
	}})

	f := readFrame(t, conn)
	if f.Type != protocol.TypeTokenUpdate || f.TotalTokens != 15 || f.SessionID != protocol.BroadcastSessionID {
		t.Fatalf("token frame = %+v", f)
	}

	entry := &store.AuditEntry{ID: uuid.New(), TraceID: uuid.New(),
		ActionType: store.ActionToolCall, Payload: `{"tool":"shell"}`, Status: store.AuditPending}
	gw.bus.Broadcast(bus.Event{Name: protocol.EventAuditEntry, Payload: entry})

	f = readFrame(t, conn)
	if f.Type != protocol.TypeStream || f.StreamType != protocol.StreamStatus {
		t.Fatalf("status frame = %+v", f)
	}
	if !strings.Contains(f.Delta, "tool_call") || f.TraceID != entry.TraceID.String() {
		t.Errorf("status delta = %q trace = %q", f.Delta, f.TraceID)
	}
}

func TestBridge_CriticalFailureIsStatusBanner(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	gw.srv.StartBridge()
	defer gw.srv.StopBridge()

	conn := dial(t, gw.addr)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeConnect, Channel: protocol.ChannelDashboard})
	readFrame(t, conn)

	gw.bus.Broadcast(bus.Event{
		Name:    protocol.EventCriticalFailure,
		Payload: router.CriticalFailure{RoleOrTask: "thinking"},
	})

	// The failing turn owns the session error frame; the bridge raises a
	// broadcast status banner, never a second error.
	f := readFrame(t, conn)
	if f.Type != protocol.TypeStream || f.StreamType != protocol.StreamStatus {
		t.Fatalf("critical-failure frame = %+v", f)
	}
	if f.SessionID != protocol.BroadcastSessionID || !strings.Contains(f.Delta, "thinking") {
		t.Errorf("banner = %+v", f)
	}
}

func TestApprovalResponseRouting(t *testing.T) {
	gw := startGateway(t, defaultConfig(), nil)
	conn := dial(t, gw.addr)
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeConnect, Channel: protocol.ChannelChat})
	readFrame(t, conn)

	// A pending approval broadcast reaches the client; its response frame
	// resolves the gate.
	result := make(chan bool, 1)
	go func() {
		result <- gw.gate.RequestApproval(context.Background(), approval.Request{
			Kind: "shell", Description: "run ls",
		})
	}()

	req := readFrame(t, conn)
	if req.Type != protocol.TypeApprovalRequest || req.ID == "" {
		t.Fatalf("approval frame = %+v", req)
	}

	yes := true
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeApprovalResponse, ID: req.ID, Approved: &yes})

	select {
	case approved := <-result:
		if !approved {
			t.Error("approval should resolve true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Enabled() {
		t.Fatal("limiter should be enabled")
	}
	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Error("burst of 2 should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third immediate hit should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("keys are independent")
	}

	off := NewRateLimiter(0, 2)
	for i := 0; i < 100; i++ {
		if !off.Allow("x") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
