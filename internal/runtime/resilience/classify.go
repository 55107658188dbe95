package resilience

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/bankbridge/internal/runtime/bridge"
)

var bankNotFoundPattern = regexp.MustCompile(`bank.*not found`)

// Classify maps an arbitrary failure onto the error taxonomy. Errors that are
// already classified (anywhere in the wrap chain) are returned unchanged. The
// checks run in a fixed order and the first match wins.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	text := strings.ToLower(err.Error())
	now := time.Now().UTC()
	build := func(kind Kind, severity Severity, message, action string) *Error {
		e := Wrap(kind, severity, message, action, err)
		e.Timestamp = now
		return e
	}

	switch {
	case errors.Is(err, bridge.ErrUnavailable):
		return build(KindBridgeUnavailable, SeverityHigh,
			"The worker process is not available",
			"Wait for the worker to restart or restart it manually")
	case isTimeout(err), strings.Contains(text, "timeout"), strings.Contains(text, "econnreset"), strings.Contains(text, "connection reset"):
		return build(KindNetworkTimeout, SeverityMedium,
			"The operation timed out",
			"Please try again. If the problem persists, check system resources")
	case strings.Contains(text, "python bridge"), strings.Contains(text, "bridge"), strings.Contains(text, "process"):
		return build(KindProcessCommunication, SeverityHigh,
			"Communication with the worker process failed",
			"Restart the worker process or check its logs")
	case errors.Is(err, fs.ErrPermission), strings.Contains(text, "permission"), strings.Contains(text, "eacces"):
		return build(KindPermissionDenied, SeverityHigh,
			"Permission denied while accessing files",
			"Check file and directory permissions")
	case errors.Is(err, fs.ErrNotExist), strings.Contains(text, "no such file"), strings.Contains(text, "enoent"):
		return build(KindMissingSourceFile, SeverityMedium,
			"A required file could not be found",
			"Verify that the file paths exist and are accessible")
	case errors.Is(err, syscall.ENOSPC), strings.Contains(text, "disk"), strings.Contains(text, "enospc"):
		return build(KindInsufficientDisk, SeverityHigh,
			"Not enough disk space to complete the operation",
			"Free up disk space and try again")
	case bankNotFoundPattern.MatchString(text):
		return build(KindMemoryBankNotFound, SeverityMedium,
			"The requested memory bank was not found",
			"List available banks and check the bank name")
	default:
		return build(KindLogicError, SeverityMedium,
			"An unexpected error occurred",
			"Please try again or report the problem if it persists")
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
