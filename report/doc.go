// Package report turns a deployment result into the process exit code, a
// single structured log record, optional Prometheus gauges and an optional
// archived JSON record.
package report
