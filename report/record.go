package report

import (
	"time"

	"github.com/LukeEvansTech/certdeploy/deploy"
	"github.com/LukeEvansTech/certdeploy/interfaces"
)

// Record is the archived form of one run. It carries fingerprints only; the
// certificate, the key and the credentials never reach it.
type Record struct {
	RunID          string                 `json:"run_id,omitempty"`
	Outcome        string                 `json:"outcome"`
	ExitCode       int                    `json:"exit_code"`
	State          string                 `json:"state"`
	Cause          string                 `json:"cause,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Adapter        string                 `json:"adapter"`
	Device         string                 `json:"device"`
	Expected       interfaces.Fingerprint `json:"expected"`
	Served         interfaces.Fingerprint `json:"served"`
	Warnings       []string               `json:"warnings,omitempty"`
	History        []deploy.Transition    `json:"history"`
	Incomplete     bool                   `json:"incomplete,omitempty"`
	PendingRestart bool                   `json:"pending_restart,omitempty"`
	Retries        int                    `json:"retries,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	DurationMS     int64                  `json:"duration_ms"`
}

// NewRecord flattens a result.
func NewRecord(runID string, result deploy.Result) Record {
	rec := Record{
		RunID:          runID,
		Outcome:        result.Outcome.String(),
		ExitCode:       ExitCode(result),
		State:          result.State.String(),
		Cause:          result.Cause,
		Adapter:        result.Adapter,
		Device:         result.Device,
		Expected:       result.Expected,
		Served:         result.Served,
		Warnings:       result.Warnings,
		History:        result.History,
		Incomplete:     result.Incomplete,
		PendingRestart: result.PendingRestart,
		Retries:        result.Retries,
		StartedAt:      result.StartedAt.UTC(),
		DurationMS:     result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	return rec
}
