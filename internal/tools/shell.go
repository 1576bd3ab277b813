package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/permissions"
)

const shellTimeout = 5 * time.Minute

// ShellTool executes a shell command in the workspace. Commands are
// screened against the permission deny patterns before they run; the
// auto/ask/deny decision itself is made by the runtime.
type ShellTool struct {
	perms *permissions.Manager
}

func NewShellTool(perms *permissions.Manager) *ShellTool {
	return &ShellTool{perms: perms}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Execute a shell command in the workspace" }
func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	if err := t.perms.ScreenCommand(ctx, command); err != nil {
		return BlockedResult("command blocked by policy").WithError(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.perms.Workspace()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[stderr]\n" + stderr.String()
	}
	const maxOutput = 32 * 1024
	if len(out) > maxOutput {
		out = out[:maxOutput] + "\n... (output truncated)"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", shellTimeout))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out))
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return SilentResult(out)
}
