// Package exporter serves Prometheus metrics gathered by a background poller.
//
// Each poll cycle fills a brand-new registry and publishes it atomically, so a
// scrape always sees one complete cycle and metrics for devices that
// disappeared drop out without bookkeeping.
package exporter
