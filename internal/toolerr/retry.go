package toolerr

import "fmt"

// promptTemplate is the canonical format for schema-repair prompts consumed by
// an LLM client. Keep it concise and deterministic: the LLM is expected to
// redo the same operation with corrected parameters.
const promptTemplate = `
Operation: %s
%sError: %s
Redo the operation now with valid parameters.
Use only valid schema fields and ensure required fields and types/enums are valid.
Example params: %s`

// RetryableError is returned when a tool call failed due to invalid
// parameters and a structured repair prompt is available.
type RetryableError struct {
	Prompt string
	Cause  error
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return e.Prompt
	}
	return fmt.Sprintf("%s: %v", e.Prompt, e.Cause)
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// BuildRepairPrompt constructs a deterministic, compact repair instruction.
// schema is an optional compact JSON schema excerpt; exampleJSON is a minimal
// valid example of the params payload.
func BuildRepairPrompt(op, errMsg, exampleJSON, schema string) string {
	schemaPart := ""
	if schema != "" {
		schemaPart = "Schema: " + schema + "\n"
	}
	return fmt.Sprintf(promptTemplate, op, schemaPart, errMsg, exampleJSON)
}
