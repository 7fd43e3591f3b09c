package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// Classify wraps connection refused, reset, unexpected EOF and timeouts with
// interfaces.ErrTransientTransport. Other errors, including context
// cancellation by the caller, are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, interfaces.ErrTransientTransport) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", interfaces.ErrTransientTransport, err)
	}
	return err
}

// IsConnectionDrop reports whether err looks like the peer going away, which
// is the expected outcome of asking a management controller to restart.
func IsConnectionDrop(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		isTimeout(err)
}

func isTransient(err error) bool {
	if IsConnectionDrop(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
