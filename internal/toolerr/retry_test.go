package toolerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRepairPromptIncludesSchemaWhenPresent(t *testing.T) {
	prompt := BuildRepairPrompt("fs:writeFile", "missing required field path", `{"path":"/tmp/x"}`, `{"type":"object"}`)
	require.Contains(t, prompt, "fs:writeFile")
	require.Contains(t, prompt, "missing required field path")
	require.Contains(t, prompt, `Schema: {"type":"object"}`)
	require.Contains(t, prompt, `{"path":"/tmp/x"}`)
}

func TestBuildRepairPromptOmitsSchemaLineWhenEmpty(t *testing.T) {
	prompt := BuildRepairPrompt("fs:writeFile", "bad params", "", "")
	require.NotContains(t, prompt, "Schema:")
}

func TestRetryableErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("underlying validation failure")
	err := &RetryableError{Prompt: "redo it", Cause: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "redo it")
	require.Contains(t, err.Error(), "underlying validation failure")
}

func TestRetryableErrorWithoutCause(t *testing.T) {
	err := &RetryableError{Prompt: "redo it"}
	require.Equal(t, "redo it", err.Error())
}
