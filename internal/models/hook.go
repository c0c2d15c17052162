package models

// Hook is one verification command run in the task's working directory
// after the LLM tool finishes. Hooks travel inside task metadata, so the
// JSON shape is part of the submission contract.
type Hook struct {
	Command     string `json:"command" validate:"required"`
	Description string `json:"description" validate:"required"`
	Timeout     int    `json:"timeout,omitempty"`       // Seconds; defaults to 300
	FailOnError bool   `json:"fail_on_error"`           // Whether a failure fails the task
}

// DefaultHookTimeout is the per-hook timeout in seconds when unset.
const DefaultHookTimeout = 300

// EffectiveTimeout returns the hook timeout, applying the default.
func (h Hook) EffectiveTimeout() int {
	if h.Timeout <= 0 {
		return DefaultHookTimeout
	}
	return h.Timeout
}

// HookResult is the outcome of running one verification hook.
type HookResult struct {
	Description  string `json:"hook_description"`
	Passed       bool   `json:"passed"`
	ExitCode     int    `json:"return_code"`
	ErrorMessage string `json:"error_message,omitempty"`
	Stdout       string `json:"stdout_preview,omitempty"`
	Stderr       string `json:"stderr_preview,omitempty"`
	FailOnError  bool   `json:"fail_on_error"`
}
