package report

import (
	"errors"

	"github.com/LukeEvansTech/certdeploy/deploy"
	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// Process exit codes. They are stable; schedulers key their retry policy on
// ExitTransient.
const (
	ExitSuccess        = 0
	ExitInternal       = 1
	ExitConfiguration  = 2
	ExitAuthentication = 3
	ExitUpload         = 4
	ExitActivation     = 5
	ExitVerification   = 6
	ExitTransient      = 7
	ExitIncomplete     = 8
)

// ExitCode maps a result to its exit code.
func ExitCode(result deploy.Result) int {
	if result.Incomplete {
		return ExitIncomplete
	}
	if result.Succeeded() {
		return ExitSuccess
	}
	return ExitCodeForError(result.Err)
}

// ExitCodeForError maps an error raised outside an orchestrated run, such as a
// failed resolve, to its exit code. A nil error maps to ExitInternal: a failed
// result must never exit zero.
func ExitCodeForError(err error) int {
	switch {
	case err == nil:
		return ExitInternal
	case deploy.Interrupted(err):
		return ExitIncomplete
	case errors.Is(err, interfaces.ErrConfiguration):
		return ExitConfiguration
	// A probe that could not authenticate after a restart is wrapped as
	// transient, so transient is checked first.
	case errors.Is(err, interfaces.ErrTransientTransport):
		return ExitTransient
	case errors.Is(err, interfaces.ErrAuthentication):
		return ExitAuthentication
	case errors.Is(err, interfaces.ErrUpload):
		return ExitUpload
	case errors.Is(err, interfaces.ErrActivation):
		return ExitActivation
	case errors.Is(err, interfaces.ErrVerificationMismatch), errors.Is(err, interfaces.ErrProbe):
		return ExitVerification
	}
	return ExitInternal
}
