package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// Outcome is the overall verdict of a deployment.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

// String returns the outcome name.
func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failed"
}

// MarshalText renders the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// StepError wraps an adapter failure with the state that had been reached.
type StepError struct {
	State State
	Step  string
	Err   error
}

// Error implements error.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed in state %s: %v", e.Step, e.State, e.Err)
}

// Unwrap returns the adapter error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Result is the single outcome of Orchestrator.Run.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// State is the last state reached before any failure.
	State State  `json:"state"`
	Cause string `json:"cause,omitempty"`
	Err   error  `json:"-"`
	// Expected is the fingerprint of the deployed certificate.
	Expected interfaces.Fingerprint `json:"expected"`
	// Served is what the device reported during verification, if it answered.
	Served     interfaces.Fingerprint `json:"served"`
	Warnings   []string               `json:"warnings,omitempty"`
	History    []Transition           `json:"history"`
	Incomplete bool                   `json:"incomplete,omitempty"`
	// PendingRestart is set on a successful run whose restart was skipped on a
	// device that cannot report the activated certificate until it restarts.
	// State stays CertificateActive.
	PendingRestart bool          `json:"pending_restart,omitempty"`
	Retries        int           `json:"retries,omitempty"`
	Adapter        string        `json:"adapter"`
	Device         string        `json:"device"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the certificate was deployed and verified, or
// activated with its restart deliberately left to the operator.
func (r Result) Succeeded() bool {
	return r.Outcome == Success
}

// Interrupted reports whether err stems from the caller cancelling.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
