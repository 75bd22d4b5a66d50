package embedauth

import (
	"errors"
	"fmt"
)

// Kind classifies an error so boundary handlers can map it to an HTTP
// status deterministically.
type Kind uint8

const (
	KindUnknown      Kind = iota // unexpected failure; generic 500
	KindTokenInvalid             // malformed or unverifiable inbound token
	KindTokenExpired             // inbound token past its expiry
	KindKeyRetrieval             // signing-key discovery unreachable or non-success
	KindUserNotFound             // directory has no profile for the subject
	KindEnrichment               // directory profile lookup failed
	KindAccessDenied             // authorization gate rejected the request
	KindConfig                   // required identifier or setting missing
	KindUpstream                 // identity-provider or platform API failure
)

func (k Kind) String() string {
	switch k {
	case KindTokenInvalid:
		return "token_invalid"
	case KindTokenExpired:
		return "token_expired"
	case KindKeyRetrieval:
		return "key_retrieval"
	case KindUserNotFound:
		return "user_not_found"
	case KindEnrichment:
		return "enrichment"
	case KindAccessDenied:
		return "access_denied"
	case KindConfig:
		return "config"
	case KindUpstream:
		return "upstream"
	}
	return "unknown"
}

// Error is a kinded error. Msg is safe to surface to callers; Err carries
// upstream detail for server-side logs only.
type Error struct {
	Kind Kind
	Op   string // failing operation, e.g. "jwks.Verify"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// PublicMessage returns the caller-safe message for an error chain.
// Unknown errors get a generic message so internals never leak.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "internal server error"
}
