package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/hiveworks/hived/pkg/models"
)

// deniedJSPatterns is a static scan, not a parser: a fresh goja runtime has
// no module loader, process, or network anyway, so the scan exists to give
// the model a clear blocked_code answer instead of an opaque ReferenceError.
var deniedJSPatterns = []string{
	"require(",
	"import ",
	"process.",
	"child_process",
	"eval(",
	"Function(",
	"XMLHttpRequest",
	"fetch(",
	"globalThis",
}

func runJavascript(e *Executor, ctx context.Context, _ TurnContext, raw string) outcome {
	var args struct {
		Code      string `json:"code"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if strings.TrimSpace(args.Code) == "" {
		return fail(models.ErrKindInvalidArgument, "code is required")
	}
	if len(args.Code) > e.cfg.MaxCodeBytes {
		return fail(models.ErrKindCodeTooLarge,
			fmt.Sprintf("code is %d bytes, limit is %d", len(args.Code), e.cfg.MaxCodeBytes))
	}
	for _, pattern := range deniedJSPatterns {
		if strings.Contains(args.Code, pattern) {
			return fail(models.ErrKindBlockedCode, "code uses a blocked construct: "+pattern)
		}
	}

	vm := goja.New()
	logs := collectConsole(vm)

	timeout := clampTimeout(args.TimeoutMs, e.cfg.JavascriptTimeout())
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	// A cancelled turn (abort, shutdown) interrupts the VM as well.
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("cancelled")
	})
	defer stop()

	value, err := vm.RunString(args.Code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return fail(models.ErrKindJSExecution,
				fmt.Sprintf("execution interrupted (%v) after at most %s", interrupted.Value(), timeout))
		}
		return fail(models.ErrKindJSExecution, err.Error())
	}

	var exported any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		exported = value.Export()
	}
	encoded, err := json.Marshal(exported)
	if err != nil {
		return fail(models.ErrKindNonJSONReturn,
			"script result cannot be serialized to JSON: "+err.Error())
	}
	if len(encoded) > e.cfg.MaxResultBytes {
		return fail(models.ErrKindResultTooLarge,
			fmt.Sprintf("result is %d bytes, limit is %d", len(encoded), e.cfg.MaxResultBytes))
	}

	result := map[string]any{"result": json.RawMessage(encoded)}
	if len(*logs) > 0 {
		result["console"] = *logs
	}
	return succeed(result)
}

// collectConsole installs a console shim whose log/info/warn/error all append
// to the returned slice.
func collectConsole(vm *goja.Runtime) *[]string {
	logs := &[]string{}
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		*logs = append(*logs, strings.Join(parts, " "))
		return goja.Undefined()
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, write)
	}
	_ = vm.Set("console", console)
	return logs
}
