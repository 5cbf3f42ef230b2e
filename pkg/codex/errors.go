package codex

import "fmt"

// SpawnError reports that the agent process could not be started, or
// that its primary output stream was unavailable after spawn.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn agent process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DecodeError reports a primary-stream line that was not valid JSON.
// It ends the event sequence; no further lines are delivered.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode agent event: %s", e.Line)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InvocationError reports a non-zero agent exit, carrying the full
// diagnostic text drained from the secondary stream.
type InvocationError struct {
	ExitCode int
	Stderr   string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, e.Stderr)
}
