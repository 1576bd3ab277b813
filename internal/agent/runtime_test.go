package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/approval"
	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/models"
	"github.com/nextlevelbuilder/swarmgate/internal/permissions"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/router"
	"github.com/nextlevelbuilder/swarmgate/internal/sessions"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/tools"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

type frameLog struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (f *frameLog) Send(sessionID string, fr *protocol.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
}

func (f *frameLog) Broadcast(fr *protocol.Frame) { f.Send("", fr) }

func (f *frameLog) ofType(typ string) []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Frame
	for _, fr := range f.frames {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

func (f *frameLog) streams(streamType string) []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Frame
	for _, fr := range f.frames {
		if fr.Type == protocol.TypeStream && fr.StreamType == streamType {
			out = append(out, fr)
		}
	}
	return out
}

// scriptedChat returns one canned response per call, repeating the last.
func scriptedChat(responses ...*providers.ChatResponse) (ChatFunc, *int) {
	calls := new(int)
	return func(ctx context.Context, opts router.ChatOpts) (*router.Result, error) {
		i := *calls
		if i >= len(responses) {
			i = len(responses) - 1
		}
		*calls++
		return &router.Result{
			Response: responses[i],
			Model:    &models.Descriptor{ID: "openai/gpt-4.1", Provider: "openai", Model: "gpt-4.1"},
		}, nil
	}, calls
}

type echoTool struct{ calls int }

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"text"},
	}
}

func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	e.calls++
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

type runtimeFixture struct {
	rt     *Runtime
	sink   *frameLog
	gate   *approval.Gate
	sess   *sessions.Manager
	echo   *echoTool
	logger *audit.Logger
	st     *store.Store
}

func newRuntimeFixture(t *testing.T, chat ChatFunc, shellPolicy string) *runtimeFixture {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := audit.NewLogger(st, bus.New())
	sink := &frameLog{}
	gate := approval.NewGate(sink, nil, "", logger)
	gate.SetTTLs(200*time.Millisecond, 200*time.Millisecond)

	perms, err := permissions.NewManager(t.TempDir(), config.ExecutionConfig{Shell: shellPolicy}, logger)
	if err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	echo := &echoTool{}
	if err := reg.Register(echo); err != nil {
		t.Fatal(err)
	}

	rt := NewRuntime(chat, reg, tools.NewValidator(), perms, gate, sessions.NewManager(),
		sink, logger, nil, nil, config.AgentsConfig{MaxToolRounds: 3, ContextSoftLimit: 8000})
	return &runtimeFixture{rt: rt, sink: sink, gate: gate, sess: rt.sessions, echo: echo, logger: logger, st: st}
}

func turnReq(agentID uuid.UUID) TurnRequest {
	return TurnRequest{
		AgentID:   agentID,
		AgentName: "atlas",
		Tier:      store.TierArchitect,
		SessionID: "s1",
		Channel:   protocol.ChannelChat,
		Message:   "hello there",
	}
}

func TestRun_PlainAnswer(t *testing.T) {
	chat, calls := scriptedChat(&providers.ChatResponse{
		Content: "hi! <think>secret</think> how can I help?",
		Usage:   &providers.Usage{PromptTokens: 20, CompletionTokens: 8},
	})
	fx := newRuntimeFixture(t, chat, "auto")

	res, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 1 || res.Rounds != 0 || res.Capped {
		t.Fatalf("calls=%d rounds=%d capped=%v", *calls, res.Rounds, res.Capped)
	}
	if strings.Contains(res.Content, "think") {
		t.Errorf("reasoning markup leaked: %q", res.Content)
	}

	msgs := fx.sink.ofType(protocol.TypeMessage)
	if len(msgs) != 1 || msgs[0].Content != res.Content {
		t.Fatalf("message frames = %+v", msgs)
	}

	// History holds user + assistant; metadata records the serving model.
	h := fx.sess.History("s1")
	if len(h) != 2 || h[0].Role != "user" || h[1].Role != "assistant" {
		t.Fatalf("history = %+v", h)
	}
	snap, _ := fx.sess.Snapshot("s1")
	if snap.Model != "openai/gpt-4.1" || snap.InputTokens != 20 || snap.OutputTokens != 8 {
		t.Errorf("session metadata = %+v", snap)
	}
}

func TestRun_ToolRoundThenAnswer(t *testing.T) {
	chat, _ := scriptedChat(
		&providers.ChatResponse{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}},
		}},
		&providers.ChatResponse{Content: "done"},
	)
	fx := newRuntimeFixture(t, chat, "auto")

	res, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	if res.Rounds != 1 || fx.echo.calls != 1 {
		t.Fatalf("rounds=%d echo calls=%d", res.Rounds, fx.echo.calls)
	}

	if got := fx.sink.streams(protocol.StreamToolCall); len(got) != 1 {
		t.Errorf("tool_call frames = %d", len(got))
	}
	results := fx.sink.streams(protocol.StreamToolResult)
	if len(results) != 1 || !strings.Contains(results[0].Delta, "echo: ping") {
		t.Errorf("tool_result frames = %+v", results)
	}

	// Session history carries the full exchange in order.
	roles := []string{}
	for _, m := range fx.sess.History("s1") {
		roles = append(roles, m.Role)
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("history roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("history roles = %v, want %v", roles, want)
		}
	}
}

func TestRun_SchemaErrorFedBackToModel(t *testing.T) {
	chat, calls := scriptedChat(
		&providers.ChatResponse{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": 42}},
		}},
		&providers.ChatResponse{Content: "sorry, fixed"},
	)
	fx := newRuntimeFixture(t, chat, "auto")

	res, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 2 {
		t.Fatalf("model calls = %d, want validation failure fed back", *calls)
	}
	if fx.echo.calls != 0 {
		t.Error("tool must not execute on schema mismatch")
	}
	if res.Content != "sorry, fixed" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRun_ApprovalDeniedContinuesTurn(t *testing.T) {
	chat, calls := scriptedChat(
		&providers.ChatResponse{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "shell", Arguments: map[string]interface{}{"command": "ls"}},
		}},
		&providers.ChatResponse{Content: "understood, skipping that step"},
	)

	fx := newRuntimeFixture(t, chat, "ask")
	perms := fx.rt.perms
	sh := tools.NewShellTool(perms)
	if err := fx.rt.registry.Register(sh); err != nil {
		t.Fatal(err)
	}

	// Deny every approval prompt as it arrives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(2 * time.Second)
		for {
			for _, fr := range fx.sink.ofType(protocol.TypeApprovalRequest) {
				if fx.gate.ResolveApproval(fr.ID, false) {
					return
				}
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	res, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	<-done
	if err != nil {
		t.Fatalf("denied approval must not abort the turn: %v", err)
	}
	if *calls != 2 {
		t.Fatalf("model calls = %d, want blocked result fed back", *calls)
	}
	if res.Content != "understood, skipping that step" {
		t.Errorf("content = %q", res.Content)
	}

	// The tool message the model saw is the structured blocked marker.
	var toolContent string
	for _, m := range fx.sess.History("s1") {
		if m.Role == "tool" {
			toolContent = m.Content
		}
	}
	if !strings.Contains(toolContent, `"blocked":true`) {
		t.Errorf("tool message content = %q", toolContent)
	}
}

type quotaTool struct{}

func (quotaTool) Name() string        { return "spawn_agent" }
func (quotaTool) Description() string { return "spawns a child agent" }
func (quotaTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (quotaTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	err := fault.New(fault.CodeQuota, "tier 2 quota of 2 reached")
	return tools.ErrorResult(err.Error()).WithError(err)
}

func TestRun_QuotaHitSurfacedButTurnContinues(t *testing.T) {
	chat, calls := scriptedChat(
		&providers.ChatResponse{ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "spawn_agent", Arguments: map[string]interface{}{}},
		}},
		&providers.ChatResponse{Content: "replanning with the agents I have"},
	)
	fx := newRuntimeFixture(t, chat, "auto")
	if err := fx.rt.registry.Register(quotaTool{}); err != nil {
		t.Fatal(err)
	}

	res, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	if err != nil {
		t.Fatalf("quota hit must not abort the turn: %v", err)
	}
	if *calls != 2 {
		t.Fatalf("model calls = %d, want quota result fed back", *calls)
	}
	if res.Content != "replanning with the agents I have" {
		t.Errorf("content = %q", res.Content)
	}

	// The client hears about the quota hit right away.
	errFrames := fx.sink.ofType(protocol.TypeError)
	if len(errFrames) != 1 || errFrames[0].Code != string(fault.CodeQuota) {
		t.Fatalf("error frames = %+v", errFrames)
	}
	if !strings.Contains(errFrames[0].Message, "quota") {
		t.Errorf("error message = %q", errFrames[0].Message)
	}

	// And the audit log records a blocked security event.
	entries, err := fx.logger.Recent(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.ActionType == store.ActionSecurityEvent && e.Status == store.AuditBlocked &&
			strings.Contains(e.Payload, "quota") {
			found = true
		}
	}
	if !found {
		t.Errorf("no security event logged, entries = %+v", entries)
	}
}

func TestRun_RoundCapFinalizesWithExplanation(t *testing.T) {
	chat, calls := scriptedChat(&providers.ChatResponse{ToolCalls: []providers.ToolCall{
		{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "again"}},
	}})
	fx := newRuntimeFixture(t, chat, "auto")

	res, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Capped {
		t.Fatal("expected capped turn")
	}
	if *calls != 4 { // 3 rounds allowed, the 4th call trips the cap
		t.Errorf("model calls = %d", *calls)
	}
	if !strings.Contains(res.Content, "tool rounds") {
		t.Errorf("cap explanation = %q", res.Content)
	}
	if len(fx.sink.ofType(protocol.TypeMessage)) != 1 {
		t.Error("capped turn must still emit a final message frame")
	}
}

func TestRun_BusyAgentRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	chat := ChatFunc(func(ctx context.Context, opts router.ChatOpts) (*router.Result, error) {
		close(started)
		<-release
		return &router.Result{
			Response: &providers.ChatResponse{Content: "ok"},
			Model:    &models.Descriptor{ID: "openai/gpt-4.1", Provider: "openai"},
		}, nil
	})
	fx := newRuntimeFixture(t, chat, "auto")

	agentID := uuid.New()
	errs := make(chan error, 1)
	go func() {
		_, err := fx.rt.Run(context.Background(), turnReq(agentID))
		errs <- err
	}()
	<-started

	if fx.rt.TurnState(agentID) == "" {
		t.Error("active turn should be observable")
	}
	_, err := fx.rt.Run(context.Background(), turnReq(agentID))
	if fault.CodeOf(err) != fault.CodeBusy {
		t.Fatalf("second turn err = %v", err)
	}

	close(release)
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
	if fx.rt.TurnState(agentID) != "" {
		t.Error("turn registry should be empty after completion")
	}
}

func TestRun_AbortCancelsTurn(t *testing.T) {
	started := make(chan struct{})
	chat := ChatFunc(func(ctx context.Context, opts router.ChatOpts) (*router.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fx := newRuntimeFixture(t, chat, "auto")

	agentID := uuid.New()
	errs := make(chan error, 1)
	go func() {
		_, err := fx.rt.Run(context.Background(), turnReq(agentID))
		errs <- err
	}()
	<-started

	if !fx.rt.Abort(agentID) {
		t.Fatal("abort should find the active turn")
	}
	err := <-errs
	if fault.CodeOf(err) != fault.CodeTimeout {
		t.Fatalf("aborted turn err = %v", err)
	}
	if len(fx.sink.ofType(protocol.TypeError)) == 0 {
		t.Error("aborted turn should emit an error frame")
	}

	if fx.rt.Abort(agentID) {
		t.Error("abort on an idle agent should report false")
	}
}

func TestRun_StreamsDeltas(t *testing.T) {
	chat := ChatFunc(func(ctx context.Context, opts router.ChatOpts) (*router.Result, error) {
		if opts.OnChunk == nil {
			t.Error("streaming turn must pass OnChunk down")
		} else {
			opts.OnChunk(providers.StreamChunk{Thinking: "mulling"})
			opts.OnChunk(providers.StreamChunk{Content: "part one"})
			opts.OnChunk(providers.StreamChunk{Content: " part two"})
		}
		return &router.Result{
			Response: &providers.ChatResponse{Content: "part one part two"},
			Model:    &models.Descriptor{ID: "openai/gpt-4.1", Provider: "openai"},
		}, nil
	})
	fx := newRuntimeFixture(t, chat, "auto")

	req := turnReq(uuid.New())
	req.Stream = true
	if _, err := fx.rt.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if got := fx.sink.streams(protocol.StreamThinking); len(got) != 1 {
		t.Errorf("thinking frames = %d", len(got))
	}
	if got := fx.sink.streams(protocol.StreamResponse); len(got) != 2 {
		t.Errorf("response frames = %d", len(got))
	}
}

func TestRun_RouterErrorBecomesErrorFrame(t *testing.T) {
	chat := ChatFunc(func(ctx context.Context, opts router.ChatOpts) (*router.Result, error) {
		return nil, fault.New(fault.CodeFatal, "all models exhausted")
	})
	fx := newRuntimeFixture(t, chat, "auto")

	_, err := fx.rt.Run(context.Background(), turnReq(uuid.New()))
	if fault.CodeOf(err) != fault.CodeFatal {
		t.Fatalf("err = %v", err)
	}
	errFrames := fx.sink.ofType(protocol.TypeError)
	if len(errFrames) != 1 || errFrames[0].Code != string(fault.CodeFatal) {
		t.Fatalf("error frames = %+v", errFrames)
	}
}
