package tools

import (
	"context"
	"fmt"

	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/models"
)

func (e *Executor) registerConsoleTools() {
	e.register("console_print", toolSpec{
		group:       models.GroupConsole,
		description: "Print a line to the operator console. For progress visibility, not for user communication.",
		parameters: objSchema(map[string]any{
			"text": strProp("Line to print."),
		}, "text"),
		run: runConsolePrint,
	})
}

func runConsolePrint(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Text string `json:"text"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}

	fmt.Fprintf(e.console, "[console] %s: %s\n", tc.CallerID, args.Text)
	e.publisher.Publish(events.ChannelConsole, events.ConsolePayload{
		Type:      events.TypeConsoleOutput,
		From:      tc.CallerID,
		Content:   args.Text,
		Timestamp: events.Timestamp(),
	})
	return succeed(map[string]any{"printed": true})
}
