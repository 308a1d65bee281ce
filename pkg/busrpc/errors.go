package busrpc

import (
	"fmt"
	"time"
)

// TimeoutError reports that no reply arrived within the call deadline. The
// remote operation may still have completed; callers must treat this as an
// unknown outcome, not a failed one.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %q timed out after %s", e.Op, e.Timeout)
}

// RemoteError carries an explicit error envelope returned by a backend
// service, status and message untouched.
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %q: %d %s", e.Op, e.Status, e.Message)
}
