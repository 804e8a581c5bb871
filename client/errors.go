package client

import (
	"fmt"
	"strings"
)

// ConnectionError is returned when the supervisor's socket cannot be reached,
// including when the socket file does not exist.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot communicate with the supervisor: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is returned when the server's response is malformed: wrong
// content type, bad multipart framing, truncated body, or an internal
// consistency check failure.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// APIError is returned when the server replies with a non-2xx status and a
// structured error body.
type APIError struct {
	// Code is the HTTP status code.
	Code int
	// Status is the HTTP reason phrase, e.g. "Not Found".
	Status string
	// Message is the server-supplied error message.
	Message string
	// Kind is the server's machine-readable error kind, if any.
	Kind string
	// Body is the raw response body.
	Body []byte
}

func (e *APIError) Error() string { return e.Message }

// Path error kinds reported by the files API.
const (
	PathErrorNotFound         = "not-found"
	PathErrorPermissionDenied = "permission-denied"
	PathErrorGeneric          = "generic-file-error"
)

// PathError reports the failure of one path within an otherwise successful
// batch file operation.
type PathError struct {
	// Kind is one of the PathError* constants.
	Kind    string
	Message string
	Path    string
}

func (e *PathError) Error() string { return e.Message }

// ChangeError is returned when a change completes with its error set.
type ChangeError struct {
	Err    string
	Change *Change
}

func (e *ChangeError) Error() string {
	var logs []string
	for _, t := range e.Change.Tasks {
		logs = append(logs, t.Log...)
	}
	if len(logs) == 0 {
		return e.Err
	}
	return e.Err + "\n" + strings.Join(logs, "\n")
}

// maxExecErrorOutput bounds how much captured output ExecError includes in
// its display message. The full buffers remain available on the struct.
const maxExecErrorOutput = 1024

// ExecError is returned by Wait and WaitOutput when the remote process exits
// with a non-zero code.
type ExecError struct {
	Command  []string
	ExitCode int
	// Stdout and Stderr hold captured output, only set by WaitOutput.
	Stdout []byte
	Stderr []byte
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("exec command %q failed with exit code %d", e.Command, e.ExitCode)
	if out := truncateOutput(e.Stdout); out != "" {
		msg += "; stdout: " + out
	}
	if out := truncateOutput(e.Stderr); out != "" {
		msg += "; stderr: " + out
	}
	return msg
}

func truncateOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxExecErrorOutput {
		s = s[:maxExecErrorOutput] + " [truncated]"
	}
	return s
}

// TimeoutError is returned when a wait deadline elapses before the awaited
// operation completes.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string { return e.msg }

// Timeout reports that this error was caused by a timeout.
func (e *TimeoutError) Timeout() bool { return true }
