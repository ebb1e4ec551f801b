package tools

import (
	"context"
	"strings"

	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/models"
)

func (e *Executor) registerContextTools() {
	e.register("compress_context", toolSpec{
		group:       models.GroupContext,
		description: "Replace older conversation history with your summary, keeping the most recent turns intact.",
		parameters: objSchema(map[string]any{
			"summary":         strProp("Summary standing in for the compressed history. Preserve task state, decisions, and open threads."),
			"keepRecentCount": intProp("How many recent turns to keep verbatim; omit for the configured default."),
		}, "summary"),
		run: runCompressContext,
	})
	e.register("get_context_status", toolSpec{
		group:       models.GroupContext,
		description: "Check how full your context window is.",
		parameters:  objSchema(map[string]any{}),
		run:         runContextStatus,
	})
}

func runCompressContext(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Summary         string `json:"summary"`
		KeepRecentCount int    `json:"keepRecentCount"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if strings.TrimSpace(args.Summary) == "" {
		return fail(models.ErrKindInvalidArgument, "summary is required")
	}

	keep := args.KeepRecentCount
	if keep <= 0 {
		keep = e.keepRecent
	}
	result := e.conv.Compress(tc.CallerID, args.Summary, keep)
	if !result.OK {
		return fail(models.ErrKindInvalidArgument, "nothing to compress: the conversation is already within the keep window")
	}

	e.publisher.Publish(events.AgentChannel(tc.CallerID), events.ContextCompressedPayload{
		Type:          events.TypeContextCompressed,
		AgentID:       tc.CallerID,
		OriginalTurns: result.OriginalCount,
		NewTurns:      result.NewCount,
		Timestamp:     events.Timestamp(),
	})
	return succeed(result)
}

func runContextStatus(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct{}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	return succeed(e.conv.Status(tc.CallerID))
}
