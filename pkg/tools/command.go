package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hiveworks/hived/pkg/models"
)

func (e *Executor) registerCommandTools() {
	e.register("run_command", toolSpec{
		group:       models.GroupCommand,
		description: "Run a shell command inside the shared workspace directory. Output is captured and truncated.",
		parameters: objSchema(map[string]any{
			"command":   strProp("Shell command line, executed with sh -c."),
			"timeoutMs": intProp("Deadline in milliseconds; capped at the configured maximum."),
		}, "command"),
		run: runCommand,
	})
	e.register("run_javascript", toolSpec{
		group:       models.GroupCommand,
		description: "Evaluate JavaScript in a sandbox with no filesystem, network, or process access. The final expression is the result.",
		parameters: objSchema(map[string]any{
			"code":      strProp("JavaScript source. console.log output is captured alongside the result."),
			"timeoutMs": intProp("Deadline in milliseconds; capped at the configured maximum."),
		}, "code"),
		run: runJavascript,
	})
}

func runCommand(e *Executor, ctx context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Command   string `json:"command"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return fail(models.ErrKindInvalidArgument, "command is required")
	}

	owner, failed := e.workspaceOwner(tc.CallerID)
	if failed.isError {
		return failed
	}
	if err := e.workspaces.Ensure(owner); err != nil {
		return fail(models.ErrKindToolExecution, err.Error())
	}

	timeout := clampTimeout(args.TimeoutMs, e.cfg.CommandTimeout())
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := newLimitedBuffer(e.cfg.MaxResultBytes)
	cmd := exec.CommandContext(cctx, "sh", "-c", args.Command)
	cmd.Dir = e.workspaces.Dir(owner)
	cmd.Stdout = buf
	cmd.Stderr = buf

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if cctx.Err() == context.DeadlineExceeded {
		return failWith(models.ErrKindToolExecution,
			fmt.Sprintf("command timed out after %s", timeout),
			map[string]any{"output": buf.String(), "truncated": buf.Truncated()})
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fail(models.ErrKindToolExecution, "command failed to start: "+err.Error())
		}
		exitCode = exitErr.ExitCode()
	}

	return succeed(map[string]any{
		"exitCode":  exitCode,
		"output":    buf.String(),
		"truncated": buf.Truncated(),
		"elapsedMs": elapsed.Milliseconds(),
	})
}

// clampTimeout resolves the effective deadline: the requested one when it is
// positive and under the configured cap, the cap otherwise.
func clampTimeout(requestedMs int, max time.Duration) time.Duration {
	if requestedMs <= 0 {
		return max
	}
	requested := time.Duration(requestedMs) * time.Millisecond
	if requested > max {
		return max
	}
	return requested
}

// limitedBuffer keeps the first max bytes written and drops the rest,
// remembering that it did. Safe for the concurrent writes exec produces when
// stdout and stderr share a sink.
type limitedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.data)
	switch {
	case room <= 0:
		b.truncated = true
	case len(p) > room:
		b.data = append(b.data, p[:room]...)
		b.truncated = true
	default:
		b.data = append(b.data, p...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.data) + fmt.Sprintf("\n[output truncated at %d bytes]", b.max)
	}
	return string(b.data)
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
