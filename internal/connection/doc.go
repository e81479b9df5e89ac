// Package connection defines the Transport contract shared by the live and
// poll transports and implements the live (WebSocket) transport.
//
// A Transport moves frames for exactly one query:
//   - Open establishes the channel and starts background loops
//   - Events delivers frames, heartbeats and failures in arrival order
//   - Close tears everything down; no events are delivered afterwards
//
// The live transport pings the server on a fixed interval. A missing
// heartbeat for more than twice the interval is reported as degraded, a
// missing heartbeat past PingTimeout as a failure.
package connection
