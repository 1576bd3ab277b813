// Package permissions guards tool access to the filesystem and the shell.
// Path validation confines reads and writes to the agent workspace, the
// execution policy decides whether a mutating tool runs directly, needs an
// approval, or is refused, and every refusal lands in the audit log as a
// security_event.
package permissions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/fault"
)

// Mode is the kind of filesystem access being validated.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Execution policies for mutating tools.
const (
	PolicyAuto = "auto"
	PolicyAsk  = "ask"
	PolicyDeny = "deny"
)

// mutatingTools are the tools governed by execution.shell.
var mutatingTools = map[string]bool{
	"shell":      true,
	"file_write": true,
}

// Manager validates paths against the workspace root and resolves the
// execution policy per tool.
type Manager struct {
	workspace string // absolute root
	shell     string // auto | ask | deny
	log       *audit.Logger
}

// NewManager creates a permission manager rooted at workspace.
func NewManager(workspace string, exec config.ExecutionConfig, log *audit.Logger) (*Manager, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	shell := exec.Shell
	if shell == "" {
		shell = PolicyAsk
	}
	return &Manager{workspace: abs, shell: shell, log: log}, nil
}

// Workspace returns the absolute workspace root.
func (m *Manager) Workspace() string { return m.workspace }

// ValidatePath resolves path (relative paths are anchored at the workspace,
// or at workspace/<workspaceID> when one is given) and confines it to the
// workspace root. Escapes fail with PERMISSION and are audited.
func (m *Manager) ValidatePath(ctx context.Context, path string, mode Mode, workspaceID string) (string, error) {
	if path == "" {
		return "", fault.New(fault.CodePermission, "empty path")
	}

	root := m.workspace
	if workspaceID != "" {
		root = filepath.Join(m.workspace, workspaceID)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	// Follow symlinks on the longest existing ancestor so a link inside the
	// workspace cannot point writes outside it.
	if real, err := resolveExisting(resolved); err == nil {
		resolved = real
	}

	if !within(resolved, m.workspace) {
		m.security(ctx, map[string]interface{}{
			"path": path, "mode": string(mode), "reason": "outside workspace",
		})
		return "", fault.New(fault.CodePermission, "path %q escapes the workspace", path)
	}

	if mode == ModeWrite {
		if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
			return "", fmt.Errorf("create parent dir: %w", err)
		}
	}
	return resolved, nil
}

// ExecutionPolicy returns auto, ask, or deny for a tool. Read-only tools
// always run directly; mutating tools follow execution.shell.
func (m *Manager) ExecutionPolicy(toolName string) string {
	if !mutatingTools[toolName] {
		return PolicyAuto
	}
	switch m.shell {
	case PolicyAuto, PolicyAsk, PolicyDeny:
		return m.shell
	default:
		return PolicyAsk
	}
}

// ScreenCommand rejects shell commands matching the deny patterns,
// regardless of the execution policy. Returns PERMISSION and audits.
func (m *Manager) ScreenCommand(ctx context.Context, command string) error {
	for _, pat := range denyPatterns {
		if pat.MatchString(command) {
			m.security(ctx, map[string]interface{}{
				"command": command, "pattern": pat.String(), "reason": "denied command",
			})
			return fault.New(fault.CodePermission, "command blocked by policy")
		}
	}
	return nil
}

func (m *Manager) security(ctx context.Context, payload interface{}) {
	if m.log != nil {
		m.log.Security(ctx, payload)
	}
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-joins the non-existing remainder.
func resolveExisting(path string) (string, error) {
	probe := path
	var tail []string
	for {
		if real, err := filepath.EvalSymlinks(probe); err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real, nil
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return path, nil
		}
		tail = append(tail, filepath.Base(probe))
		probe = parent
	}
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// denyPatterns block destructive or escalating shell commands even under
// policy auto.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
}
