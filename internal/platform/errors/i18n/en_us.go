package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// They are duplicated as strings to avoid an import cycle.
var enUS = map[string]string{
	"UNKNOWN":             "Something went wrong.",
	"UNAUTHORIZED":        "Only the host or an admin can do that.",
	"INVALID_TRANSITION":  "That role change is not allowed.",
	"INVALID_TARGET":      "That participant cannot be selected for this action.",
	"TARGET_NOT_FOUND":    "That participant is no longer in the session.",
	"TRANSPORT_FAILURE":   "The media connection rejected the request. Try again.",
	"PERSISTENCE_FAILURE": "The change could not be saved. Try again.",
	"SESSION_ENDED":       "This session has ended.",
	"SESSION_NOT_FOUND":   "This session does not exist.",
	"SESSION_EXISTS":      "A session with this id already exists.",
	"MESSAGE_NOT_FOUND":   "That message no longer exists.",
	"MESSAGE_INVALID":     "Message {{.Field}} is invalid.",
	"JOIN_GRANT_INVALID":  "Your join link is invalid.",
	"JOIN_GRANT_EXPIRED":  "Your join link has expired.",
	"JOIN_GRANT_MISMATCH": "Your join link does not match this session ({{.Field}}).",
}
