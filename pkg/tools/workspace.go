package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

func (e *Executor) registerWorkspaceTools() {
	e.register("read_file", toolSpec{
		group:       models.GroupWorkspace,
		description: "Read a file from the shared workspace. Paths are relative to the workspace root.",
		parameters: objSchema(map[string]any{
			"path": strProp("Relative file path."),
		}, "path"),
		run: runReadFile,
	})
	e.register("write_file", toolSpec{
		group:       models.GroupWorkspace,
		description: "Write a file into the shared workspace, creating parent directories as needed.",
		parameters: objSchema(map[string]any{
			"path":    strProp("Relative file path."),
			"content": strProp("Full file content; existing files are overwritten."),
		}, "path", "content"),
		run: runWriteFile,
	})
	e.register("list_files", toolSpec{
		group:       models.GroupWorkspace,
		description: "List every file in the shared workspace.",
		parameters:  objSchema(map[string]any{}),
		run:         runListFiles,
	})
	e.register("get_workspace_info", toolSpec{
		group:       models.GroupWorkspace,
		description: "Show which workspace you share and how much it holds.",
		parameters:  objSchema(map[string]any{}),
		run:         runWorkspaceInfo,
	})
}

// workspaceOwner resolves the subtree workspace the caller shares. The user
// principal never owns one.
func (e *Executor) workspaceOwner(callerID string) (string, outcome) {
	owner, err := e.org.WorkspaceOwner(callerID)
	if err != nil || owner == models.AgentUser {
		return "", fail(models.ErrKindWorkspaceNotBound, "no workspace is bound to "+callerID)
	}
	return owner, outcome{}
}

func workspaceFailure(err error) outcome {
	switch {
	case errors.Is(err, store.ErrPathTraversal):
		return fail(models.ErrKindPathTraversal, err.Error())
	case errors.Is(err, store.ErrFileNotFound):
		return fail(models.ErrKindFileNotFound, err.Error())
	case errors.Is(err, store.ErrWorkspaceNotBound):
		return fail(models.ErrKindWorkspaceNotBound, err.Error())
	default:
		return fail(models.ErrKindToolExecution, err.Error())
	}
}

func runReadFile(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Path string `json:"path"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.Path == "" {
		return fail(models.ErrKindInvalidArgument, "path is required")
	}

	owner, failed := e.workspaceOwner(tc.CallerID)
	if failed.isError {
		return failed
	}
	content, err := e.workspaces.ReadFile(owner, args.Path)
	if err != nil {
		return workspaceFailure(err)
	}

	view := map[string]any{"path": args.Path, "size": len(content)}
	if len(content) > e.cfg.MaxResultBytes {
		view["content"] = string(content[:e.cfg.MaxResultBytes]) +
			fmt.Sprintf("\n[truncated: %d of %d bytes shown]", e.cfg.MaxResultBytes, len(content))
		view["truncated"] = true
	} else {
		view["content"] = string(content)
	}
	return succeed(view)
}

func runWriteFile(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.Path == "" {
		return fail(models.ErrKindInvalidArgument, "path is required")
	}

	owner, failed := e.workspaceOwner(tc.CallerID)
	if failed.isError {
		return failed
	}
	info, err := e.workspaces.WriteFile(owner, args.Path, []byte(args.Content))
	if err != nil {
		return workspaceFailure(err)
	}
	return succeed(map[string]any{"path": info.Path, "size": info.Size})
}

func runListFiles(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct{}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}

	owner, failed := e.workspaceOwner(tc.CallerID)
	if failed.isError {
		return failed
	}
	files, err := e.workspaces.ListFiles(owner)
	if err != nil {
		return workspaceFailure(err)
	}

	entries := make([]map[string]any, 0, len(files))
	for _, f := range files {
		entries = append(entries, map[string]any{
			"path":       f.Path,
			"size":       f.Size,
			"modifiedAt": f.ModifiedAt.Format(time.RFC3339),
		})
	}
	return succeed(map[string]any{"files": entries, "count": len(entries)})
}

func runWorkspaceInfo(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct{}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}

	owner, failed := e.workspaceOwner(tc.CallerID)
	if failed.isError {
		return failed
	}
	info, err := e.workspaces.Info(owner)
	if err != nil {
		return workspaceFailure(err)
	}
	return succeed(info)
}
