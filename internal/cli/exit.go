package cli

import "fmt"

// exitConfig is the process exit code for unusable configuration,
// matching the sysexits EX_CONFIG convention.
const exitConfig = 78

// configError wraps a configuration failure so the daemon exits with a
// distinct code an init system can tell apart from a crash.
func configError(err error) error {
	return &ExitError{code: exitConfig, message: "configuration error: " + err.Error()}
}

// ExitError is returned by commands that want to control the process
// exit code without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}
