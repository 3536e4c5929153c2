// Package role holds participant roles and the rules for changing them.
package role

import (
	"strings"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
)

// Role is a participant's capability level inside a session.
type Role string

const (
	Host     Role = "host"
	Admin    Role = "admin"
	Speaker  Role = "speaker"
	Listener Role = "listener"
)

// Parse maps a label onto a Role.
func Parse(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case Host:
		return Host, true
	case Admin:
		return Admin, true
	case Speaker:
		return Speaker, true
	case Listener:
		return Listener, true
	default:
		return "", false
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := Parse(string(r))
	return ok
}

// CanModerate reports whether r may change other participants' roles,
// spotlight, kick, mute and hide messages.
func (r Role) CanModerate() bool {
	return r == Host || r == Admin
}

// CanPublishMedia reports whether r may publish audio (and video in
// audio_video sessions).
func (r Role) CanPublishMedia() bool {
	return r == Host || r == Admin || r == Speaker
}

// Assignable reports whether r may be the target of a role change.
func (r Role) Assignable() bool {
	return r == Speaker || r == Listener
}

// Default picks the role a participant receives on join.
func Default(isHost, isAdmin, video bool) Role {
	switch {
	case isHost:
		return Host
	case isAdmin:
		return Admin
	case video:
		return Speaker
	default:
		return Listener
	}
}

// AuthorizeChange decides whether actor may move target from one role to
// another. Speakers may always step themselves down to listener.
func AuthorizeChange(actorID string, actorRole Role, targetID string, from, to Role) error {
	if !to.Assignable() {
		return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "only speaker and listener roles can be assigned", map[string]string{"Role": string(to)})
	}
	if !from.Assignable() {
		return apperrors.WithMetadata(apperrors.CodeInvalidTransition, "host and admin roles cannot be changed", map[string]string{"Role": string(from)})
	}
	if actorID == targetID && from == Speaker && to == Listener {
		return nil
	}
	if !actorRole.CanModerate() {
		return apperrors.New(apperrors.CodeUnauthorized, "only moderators can change roles")
	}
	return nil
}

// AuthorizeKick decides whether actor may remove target from the session.
func AuthorizeKick(actorID string, actorRole Role, targetID string, targetRole Role) error {
	if !actorRole.CanModerate() {
		return apperrors.New(apperrors.CodeUnauthorized, "only moderators can remove participants")
	}
	if actorID == targetID {
		return apperrors.New(apperrors.CodeInvalidTarget, "moderators cannot remove themselves")
	}
	if targetRole == Host {
		return apperrors.New(apperrors.CodeInvalidTransition, "the host cannot be removed")
	}
	return nil
}

// AuthorizeModeration rejects actors that cannot moderate.
func AuthorizeModeration(actorRole Role) error {
	if !actorRole.CanModerate() {
		return apperrors.New(apperrors.CodeUnauthorized, "moderator role required")
	}
	return nil
}

// AuthorizeMute decides whether actor may mute target's chat.
func AuthorizeMute(actorID string, actorRole Role, targetID string, targetRole Role) error {
	if !actorRole.CanModerate() {
		return apperrors.New(apperrors.CodeUnauthorized, "only moderators can mute participants")
	}
	if actorID == targetID {
		return apperrors.New(apperrors.CodeInvalidTarget, "moderators cannot mute themselves")
	}
	if targetRole == Host {
		return apperrors.New(apperrors.CodeInvalidTransition, "the host cannot be muted")
	}
	return nil
}
