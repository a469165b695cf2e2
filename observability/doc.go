// Package observability provides extensions that turn lifecycle hooks into
// system-wide metrics. MetricsExtension records counters through a go-utils
// MetricFactory; PrometheusExtension exports labelled counters and
// histograms for scraping.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
