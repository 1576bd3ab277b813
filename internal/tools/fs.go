package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/permissions"
)

// FileReadTool reads file contents within the workspace.
type FileReadTool struct {
	perms *permissions.Manager
}

func NewFileReadTool(perms *permissions.Manager) *FileReadTool {
	return &FileReadTool{perms: perms}
}

func (t *FileReadTool) Name() string        { return "file_read" }
func (t *FileReadTool) Description() string { return "Read the contents of a file" }
func (t *FileReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *FileReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	resolved, err := t.perms.ValidatePath(ctx, path, permissions.ModeRead, workspaceIDFromCtx(ctx))
	if err != nil {
		return BlockedResult(err.Error()).WithError(err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

// FileWriteTool writes file contents within the workspace.
type FileWriteTool struct {
	perms *permissions.Manager
}

func NewFileWriteTool(perms *permissions.Manager) *FileWriteTool {
	return &FileWriteTool{perms: perms}
}

func (t *FileWriteTool) Name() string        { return "file_write" }
func (t *FileWriteTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *FileWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	resolved, err := t.perms.ValidatePath(ctx, path, permissions.ModeWrite, workspaceIDFromCtx(ctx))
	if err != nil {
		return BlockedResult(err.Error()).WithError(err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// FileListTool lists directory entries within the workspace.
type FileListTool struct {
	perms *permissions.Manager
}

func NewFileListTool(perms *permissions.Manager) *FileListTool {
	return &FileListTool{perms: perms}
}

func (t *FileListTool) Name() string        { return "file_list" }
func (t *FileListTool) Description() string { return "List the entries of a directory" }
func (t *FileListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list, defaults to the workspace root",
			},
		},
	}
}

func (t *FileListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := t.perms.ValidatePath(ctx, path, permissions.ModeRead, workspaceIDFromCtx(ctx))
	if err != nil {
		return BlockedResult(err.Error()).WithError(err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return SilentResult(strings.Join(names, "\n"))
}
