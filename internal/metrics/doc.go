// Package metrics measures connection quality for monitored queries.
//
// An Aggregator hands out one Recorder per session. Recorders count
// connection attempts, successes and failures, average measured latency
// and track healthy time so that UptimeRatio reflects the share of the
// session's lifetime spent connected. The Aggregator rolls every recorder
// into a global snapshot and derives the service health shown by status
// widgets:
//
//   - websocket: live transport opens and failures
//   - api: poll requests and health probes against the REST endpoint
//   - polling: poll transport lifecycle
//
// A service is considered down after FailureThreshold consecutive failures.
package metrics
