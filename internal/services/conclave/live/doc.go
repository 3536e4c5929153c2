// Package live is the conclave session control facade.
//
// A Service owns one room per session: the participant registry, the role
// each participant holds, the hand-raise queue, the spotlight pointer and chat
// mutes. Mutations of a room are serialized by a per-room write lock and are
// validated against the role rules before touching the media transport or the
// durable store.
//
// # Ordering
//
// The durable store is the writer-of-record. Role, spotlight, chat and
// session changes reach participants through the store's change feed (see
// Run), never directly from the caller, so every client converges on the
// store's latest value. Presence (join/leave) is not persisted and is
// announced directly; hand-raise state rides on the transport's participant
// metadata.
//
// # Failure policy
//
// Promotion grants publish permission before the role is committed and rolls
// back on failure. Demotion revokes best-effort and hands failed revokes to
// the background consistency check. Chat is broadcast live first and appended
// to the durable log asynchronously; a failed append is logged only.
package live
