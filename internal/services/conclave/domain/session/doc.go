// Package session defines the lifecycle of one live conclave instance.
//
// A Session belongs to a scheduled content item and is owned by its host.
//
// # Session Lifecycle
//
// Sessions move through three statuses:
//   - Scheduled: created ahead of time; nobody can mutate live state yet.
//   - Live: participants may join, chat, raise hands and be spotlighted.
//   - Ended: terminal. The record is retained for history and every further
//     mutation is rejected.
package session
