// Package acinfinity reads grow-controller telemetry from the AC Infinity
// cloud API and turns it into Prometheus gauges for the exporter.
package acinfinity
