package models

// Wire-visible error kinds. Tool failures are reported as result content
// shaped {"error": kind, "message": detail}; handler escalations carry the
// kind in the envelope's errorType field. These strings are API surface.
const (
	// ErrKindArgParse is deliberately non-English; clients match it verbatim.
	ErrKindArgParse = "参数解析失败"

	ErrKindUnknownTool       = "unknown_tool"
	ErrKindToolNotAvailable  = "tool_not_available"
	ErrKindToolExecution     = "tool_execution_failed"
	ErrKindLLMCallFailed     = "llm_call_failed"
	ErrKindMaxToolRounds     = "max_tool_rounds_exceeded"
	ErrKindContextLimit      = "context_limit_exceeded"
	ErrKindPathTraversal     = "path_traversal_blocked"
	ErrKindWorkspaceNotBound = "workspace_not_bound"
	ErrKindFileNotFound      = "file_not_found"
	ErrKindBlockedCode       = "blocked_code"
	ErrKindCodeTooLarge      = "code_too_large"
	ErrKindJSExecution       = "js_execution_failed"
	ErrKindNonJSONReturn     = "non_json_serializable_return"
	ErrKindResultTooLarge    = "result_too_large"
	ErrKindArtifactNotFound  = "artifact_not_found"
	ErrKindRoleNotFound      = "role_not_found"
	ErrKindRoleExists        = "role_exists"
	ErrKindAgentNotFound     = "agent_not_found"
	ErrKindInvalidArgument   = "invalid_argument"
	ErrKindTerminationDenied = "termination_denied"
	ErrKindSkipped           = "skipped"
)
