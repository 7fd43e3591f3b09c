// Command acinfinity-exporter polls the AC Infinity cloud API and serves the
// controller, device and sensor readings as Prometheus metrics on /metrics,
// with /health answering "OK".
package main
