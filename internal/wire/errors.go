package wire

import "errors"

// Code is a stable machine-readable error identifier carried on the wire
// and in the HTTP error envelope.
type Code string

const (
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeSessionExpired    Code = "SESSION_EXPIRED"
	CodeProtocolError     Code = "PROTOCOL_ERROR"
	CodeIdentityMismatch  Code = "IDENTITY_MISMATCH"
	CodeIntegrityConflict Code = "INTEGRITY_CONFLICT"
	CodeInternalError     Code = "INTERNAL_ERROR"
)

// Retryable reports whether a session closed with the given code should be
// retried by the client without operator intervention.
func (c Code) Retryable() bool {
	switch c {
	case CodeSessionExpired, CodeInternalError:
		return true
	default:
		return false
	}
}

// Sentinel errors for the session-fatal conditions defined by the wire
// protocol's error taxonomy. Transport and engine code wraps these with
// fmt.Errorf("%w: ...") so CodeOf can recover the taxonomy at the boundary.
var (
	ErrInvalidToken      = errors.New("invalid bearer token")
	ErrSessionExpired    = errors.New("session expired")
	ErrProtocolError     = errors.New("protocol error")
	ErrIdentityMismatch  = errors.New("identity mismatch")
	ErrIntegrityConflict = errors.New("integrity conflict")
	ErrInternal          = errors.New("internal error")
)

// CodeOf maps a sentinel-wrapped error to its wire Code, defaulting to
// INTERNAL_ERROR for anything unrecognised.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, ErrProtocolError):
		return CodeProtocolError
	case errors.Is(err, ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, ErrIntegrityConflict):
		return CodeIntegrityConflict
	default:
		return CodeInternalError
	}
}
