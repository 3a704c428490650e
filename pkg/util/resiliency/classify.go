package resiliency

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Connectivity is the human-readable status of a remote dependency.
type Connectivity string

const (
	Connected    Connectivity = "Connected"
	Disconnected Connectivity = "Disconnected"
	Timeout      Connectivity = "Timeout"
	Error        Connectivity = "Error"
)

// Classify maps a transport error to a Connectivity value.
func Classify(err error) Connectivity {
	switch {
	case err == nil:
		return Connected
	case IsConnRefused(err):
		return Disconnected
	case IsTimeout(err):
		return Timeout
	default:
		return Error
	}
}

// IsConnRefused reports whether err means nothing is listening on the remote side.
func IsConnRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
