// Package media defines the capability-bearing real-time transport the
// conclave core orchestrates, plus an in-process implementation.
//
// The transport routes media and data between participants of a session and
// enforces per-participant publish permissions. The core never routes
// packets itself; it only grants, revokes and piggybacks lightweight state on
// participant metadata.
package media
