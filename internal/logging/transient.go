package logging

import (
	"context"
	"errors"
)

// IsTransientError reports whether err is worth retrying: context
// deadlines and net-style Timeout/Temporary errors qualify, anything else
// is treated as permanent.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
