package cli

import "fmt"

// Exit codes distinguish operator mistakes from failures at run time:
// exitValidation covers bad flags, arguments, or configuration;
// exitRuntime covers everything that went wrong after validation passed
// (tool failures, dead providers, I/O errors).
const (
	exitValidation = 1
	exitRuntime    = 2
)

// ExitError pairs an error message with the process exit code it should
// produce. Command RunE funcs return it; main unwraps it with errors.As
// and exits with Code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
