package interfaces

import "errors"

var (
	// ErrConfiguration is returned for missing or malformed input. It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication is returned when the device rejects the credentials or session.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransientTransport marks timeouts, refused or reset connections. The
	// orchestrator retries these once.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrUpload is returned when the device rejects the certificate payload.
	ErrUpload = errors.New("upload rejected")

	// ErrActivation is returned when the staged certificate could not be bound.
	ErrActivation = errors.New("activation failed")

	// ErrRestart is returned when saving or restarting fails after activation.
	ErrRestart = errors.New("restart failed")

	// ErrProbe is returned when the device answered but its certificate status
	// could not be read or parsed.
	ErrProbe = errors.New("certificate probe failed")

	// ErrVerificationMismatch is returned when the served certificate differs
	// from the deployed one.
	ErrVerificationMismatch = errors.New("served certificate does not match")

	// ErrSoftUnavailability is returned when the device is unreachable in the
	// window right after a restart.
	ErrSoftUnavailability = errors.New("device temporarily unavailable")

	// ErrRestartPending is returned by DescribeActiveCertificate when the
	// restart was skipped and the device offers no way to read back the
	// activated certificate before it restarts.
	ErrRestartPending = errors.New("certificate active after next restart")
)

var categories = []error{
	ErrConfiguration,
	ErrAuthentication,
	ErrTransientTransport,
	ErrUpload,
	ErrActivation,
	ErrRestart,
	ErrProbe,
	ErrVerificationMismatch,
	ErrSoftUnavailability,
	ErrRestartPending,
}

// IsTransient reports whether err is eligible for the single bounded retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientTransport)
}

// Categorized reports whether err carries one of the sentinel errors above.
func Categorized(err error) bool {
	for _, c := range categories {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}
