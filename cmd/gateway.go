package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/agent"
	"github.com/nextlevelbuilder/swarmgate/internal/approval"
	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/gateway"
	"github.com/nextlevelbuilder/swarmgate/internal/models"
	"github.com/nextlevelbuilder/swarmgate/internal/permissions"
	"github.com/nextlevelbuilder/swarmgate/internal/router"
	"github.com/nextlevelbuilder/swarmgate/internal/scheduler"
	"github.com/nextlevelbuilder/swarmgate/internal/sessions"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/internal/tools"
	"github.com/nextlevelbuilder/swarmgate/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

// runGateway wires every subsystem and serves until SIGINT/SIGTERM.
func runGateway() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	events := bus.New()
	auditLog := audit.NewLogger(st, events)
	meter := audit.NewTokenMeter(st, events)

	repo, err := models.NewRepo(cfg.Models)
	if err != nil {
		return fmt.Errorf("model repo: %w", err)
	}
	resolver := models.NewResolver(repo, cfg.Roles, cfg.TaskOverrides)
	modelRouter := router.New(resolver, repo, cfg.Routing, meter, auditLog, events)

	perms, err := permissions.NewManager(cfg.WorkspacePath(), cfg.Execution, auditLog)
	if err != nil {
		return fmt.Errorf("permissions: %w", err)
	}

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewFileReadTool(perms),
		tools.NewFileWriteTool(perms),
		tools.NewFileListTool(perms),
		tools.NewShellTool(perms),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	comm := tools.SelectCommTool(registry, cfg.Execution.DefaultCommSkillID)

	// The gate broadcasts through the server; the server needs the gate to
	// route responses. Late-bind the broadcast side to break the cycle.
	var server *gateway.Server
	gate := approval.NewGate(approval.BroadcastFunc(func(f *protocol.Frame) {
		if server != nil {
			server.Broadcast(f)
		}
	}), comm, cfg.Execution.DefaultChannel, auditLog)

	server = gateway.NewServer(cfg, events, gate)

	sess := sessions.NewManager()
	memory := agent.NewFileMemory(filepath.Join(cfg.WorkspacePath(), "memory"))
	runtime := agent.NewRuntime(modelRouter.Chat, registry, tools.NewValidator(),
		perms, gate, sess, server, auditLog, memory, nil, cfg.Agents)

	swarmMgr, err := swarm.NewManager(ctx, st, auditLog, cfg.Swarm)
	if err != nil {
		return fmt.Errorf("swarm: %w", err)
	}
	swarmMgr.SetRunFunc(runtime.Run)
	swarmMgr.SetAbortFunc(runtime.Abort)
	for _, t := range swarmMgr.Tools() {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register swarm tool: %w", err)
		}
	}

	soul := agent.LoadSoul(cfg.SoulFile())
	architect, err := swarmMgr.EnsureArchitect(ctx, "architect", soul)
	if err != nil {
		return fmt.Errorf("architect: %w", err)
	}
	swarmMgr.StartSweeper(ctx)

	architectTurn := func(ctx context.Context, sessionID, channel, content string, stream bool) error {
		_, err := runtime.Run(ctx, agent.TurnRequest{
			AgentID:     architect.ID,
			AgentName:   architect.Name,
			Tier:        architect.Tier,
			Soul:        soul,
			SessionID:   sessionID,
			Channel:     channel,
			Message:     content,
			ExtraSystem: swarmMgr.ConsumePendingSystem(architect.ID),
			Stream:      stream,
		})
		swarmMgr.TouchActivity(ctx, architect.ID)
		return err
	}

	server.SetTurnStarter(func(ctx context.Context, sessionID, channel, content string) error {
		return architectTurn(ctx, sessionID, channel, content, true)
	})
	server.StartBridge()
	defer server.StopBridge()

	schedCfg := cfg.Scheduler
	schedCfg.HeartbeatPath = cfg.HeartbeatFile()
	sched, err := scheduler.New(ctx, st, auditLog, events, schedCfg, func(ctx context.Context, source, instruction string) error {
		return architectTurn(ctx, "system:"+source, protocol.ChannelSystem, instruction, false)
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	slog.Info("swarmgate up", "version", Version, "protocol", protocol.ProtocolVersion,
		"models", len(cfg.Models), "db", cfg.DBPath())

	err = server.Start(ctx)
	events.Broadcast(bus.Event{Name: protocol.EventShutdown})
	slog.Info("swarmgate stopped")
	return err
}
