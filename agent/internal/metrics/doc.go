// Package metrics exports sender counters as a Prometheus text file, in the
// layout node_exporter's textfile collector picks up.
package metrics
