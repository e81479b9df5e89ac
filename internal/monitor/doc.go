// Package monitor tracks the progress of running queries.
//
// A Manager owns one session per query ID. Each session runs a single
// goroutine that owns its state: it opens a transport through the
// TransportFactory, applies frames in sequence order, retries failed
// transports using the reconnect policy and falls back from the live
// WebSocket to HTTP polling after repeated failures. While polling, the
// session periodically tries to upgrade back to live without losing
// buffered progress.
//
// Observers receive typed events through a per-session mailbox drained by
// a dedicated dispatcher goroutine, so a slow observer never stalls frame
// processing and observers may call back into the Manager. Once
// StopMonitoring returns, no further events are delivered for that session.
//
// Session lifecycle:
//
//	connecting -> connected -> {degraded, disconnected} -> reconnecting
//	reconnecting -> connecting -> (connected | error)
//	any -> closed
package monitor
