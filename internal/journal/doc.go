// Package journal writes session events to PostgreSQL for later analysis.
//
// The journal is append-only and write-only: monitoring state is never
// restored from it. Events are buffered, batched and written with COPY.
// When the buffer is full, events are dropped and counted rather than
// slowing down the sessions that produce them.
package journal
