package sandbox

// ErrCode classifies why a sandboxed program failed to compile or run.
type ErrCode string

const (
	ErrCodeForbidden ErrCode = "forbidden_operation"
	ErrCodeCompile   ErrCode = "compile_error"
	ErrCodeRuntime   ErrCode = "runtime_error"
	ErrCodeTimeout   ErrCode = "timeout"
)

// Error is returned for every sandbox failure; Code lets callers (the
// executor) distinguish a program that should never be retried (forbidden,
// compile) from one that might succeed on a fresh attempt (timeout).
type Error struct {
	Code    ErrCode
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }
