// Package poller implements the HTTP polling transport used when the live
// channel is unavailable.
//
// The transport requests GET /api/query/{query_id}/status on a jittered
// interval and synthesizes frames with locally assigned sequence numbers.
// Unchanged responses are reported as heartbeats, not as duplicate frames.
package poller
