// Package model defines the frame and status types shared by the transports,
// sessions and the connection manager.
//
// Conventions:
//   - Progress: float64 percent in [0, 100]
//   - Sequences: int64, strictly increasing per transport
//   - Timestamps: time.Time in local clock of the receiving process
package model
