package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessExited is returned for commands whose recorder process died
	// before answering, and for session commands after the recorder that
	// owned the session is gone.
	ErrProcessExited = errors.New("recorder process exited")

	// ErrStartFailed means the recorder executable exists but could not be
	// started.
	ErrStartFailed = errors.New("recorder failed to start")

	ErrSessionActive    = errors.New("capture session already active")
	ErrSessionNotActive = errors.New("no active capture session")
)

// ValidationError is returned before any I/O for invalid caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// CommandError is a non-success response from the recorder. Message is the
// recorder-supplied result text.
type CommandError struct {
	Command   string
	CommandID string
	Message   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("recorder command %s failed: %s", e.Command, e.Message)
}
