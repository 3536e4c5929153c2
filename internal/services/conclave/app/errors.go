package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode"

	"google.golang.org/grpc/codes"

	apperrors "github.com/louisbranch/conclave/internal/platform/errors"
	"github.com/louisbranch/conclave/internal/platform/errors/i18n"
	"github.com/louisbranch/conclave/internal/services/conclave/wire"
)

var errInvalidPayload = errors.New("invalid frame payload")

func decodePayload(frame wire.Frame, target any) error {
	if err := frame.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

// errorPayload renders err for the wire: the gRPC code name, the domain code
// and a message localized for the connection.
func errorPayload(locale string, err error) wire.ErrorPayload {
	if errors.Is(err, errInvalidPayload) {
		return wire.ErrorPayload{Code: codeName(codes.InvalidArgument), Message: errInvalidPayload.Error()}
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		log.Printf("conclave: unexpected request failure err=%v", err)
		return wire.ErrorPayload{Code: codeName(codes.Internal), Message: "internal error"}
	}
	return wire.ErrorPayload{
		Code:       codeName(domainErr.Code.GRPCCode()),
		DomainCode: string(domainErr.Code),
		Message:    i18n.Format(locale, string(domainErr.Code), domainErr.Metadata),
		Retryable:  domainErr.Code.Retryable(),
	}
}

// codeName converts a gRPC code to its canonical upper snake case name,
// e.g. PermissionDenied to PERMISSION_DENIED.
func codeName(code codes.Code) string {
	name := code.String()
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		if unicode.IsUpper(r) && prevLower {
			b.WriteByte('_')
		}
		prevLower = unicode.IsLower(r)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
