package agent

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// DefaultClassifier classifies errors observed around an Execute call as
// transient or permanent using string/error-type conventions (timeouts and
// specific infra failures are transient; everything else is permanent),
// grounded on health/stuck.go's timeout-driven recovery and zombie.go's
// dead-session classification.
type DefaultClassifier struct{}

var transientSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"no such host",
	"i/o timeout",
	"eof",
}

// Classify reports Status rather than a retry decision — the caller
// (internal/policy) combines this with attempts/retry_max to decide.
func (DefaultClassifier) Classify(err error) Status {
	if err == nil {
		return StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTransientError
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A process that ran to completion and merely exited non-zero is a
		// permanent failure of that invocation — distinct from it never
		// starting or being killed by the environment.
		return StatusPermanentError
	}

	msg := strings.ToLower(err.Error())
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return StatusTransientError
		}
	}
	return StatusPermanentError
}
