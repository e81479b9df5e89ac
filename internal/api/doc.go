// Package api provides the REST client for the query backend.
//
// Endpoints:
//   - GET /api/query/{query_id}/status: progress snapshot used by the poll transport
//
// Requests retry on 5xx and 429 with jittered exponential backoff, honoring
// Retry-After. An optional rate limiter is shared by every caller of a
// Client, which bounds the combined load of many polling sessions.
package api
