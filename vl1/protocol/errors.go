package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failures surfaced by packet processing, address
// resolution and the session layer. Callers branch on the kind: several kinds
// call for different, security sensitive responses.
type ErrorKind uint8

const (
	KindUnknownLocalSessionID ErrorKind = iota + 1
	KindInvalidPacket
	KindInvalidParameter
	KindFailedAuthentication
	KindNewSessionRejected
	KindMaxKeyLifetimeExceeded
	KindSessionNotEstablished
	KindRateLimited
	KindUnknownProtocolVersion
	KindDataBufferTooSmall
	KindDataTooLarge
	KindUnexpectedBufferOverrun
)

var kindNames = map[ErrorKind]string{
	KindUnknownLocalSessionID:   "unknown local session id",
	KindInvalidPacket:           "invalid packet",
	KindInvalidParameter:        "invalid parameter",
	KindFailedAuthentication:    "failed authentication",
	KindNewSessionRejected:      "new session rejected",
	KindMaxKeyLifetimeExceeded:  "max key lifetime exceeded",
	KindSessionNotEstablished:   "session not established",
	KindRateLimited:             "rate limited",
	KindUnknownProtocolVersion:  "unknown protocol version",
	KindDataBufferTooSmall:      "data buffer too small",
	KindDataTooLarge:            "data too large",
	KindUnexpectedBufferOverrun: "unexpected buffer overrun",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", uint8(k))
}

// Informational kinds are expected during normal operation.
func (k ErrorKind) Informational() bool {
	return k == KindRateLimited || k == KindUnknownProtocolVersion
}

// SafeToLog reports whether the kind may be logged without helping an attacker
// learn which verification step failed.
func (k ErrorKind) SafeToLog() bool {
	return k != KindFailedAuthentication
}

// ProgrammingError kinds indicate a bug or misconfiguration in the caller.
func (k ErrorKind) ProgrammingError() bool {
	return k == KindDataBufferTooSmall || k == KindUnexpectedBufferOverrun
}

// Error is a failure of a known kind. SessionID is set only for
// KindUnknownLocalSessionID.
type Error struct {
	Kind      ErrorKind
	SessionID uint64
}

func (e *Error) Error() string {
	if e.Kind == KindUnknownLocalSessionID {
		return fmt.Sprintf("vl1: %s %012x", e.Kind, e.SessionID)
	}
	return "vl1: " + e.Kind.String()
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownLocalSessionID   = &Error{Kind: KindUnknownLocalSessionID}
	ErrInvalidPacket           = &Error{Kind: KindInvalidPacket}
	ErrInvalidParameter        = &Error{Kind: KindInvalidParameter}
	ErrFailedAuthentication    = &Error{Kind: KindFailedAuthentication}
	ErrNewSessionRejected      = &Error{Kind: KindNewSessionRejected}
	ErrMaxKeyLifetimeExceeded  = &Error{Kind: KindMaxKeyLifetimeExceeded}
	ErrSessionNotEstablished   = &Error{Kind: KindSessionNotEstablished}
	ErrRateLimited             = &Error{Kind: KindRateLimited}
	ErrUnknownProtocolVersion  = &Error{Kind: KindUnknownProtocolVersion}
	ErrDataBufferTooSmall      = &Error{Kind: KindDataBufferTooSmall}
	ErrDataTooLarge            = &Error{Kind: KindDataTooLarge}
	ErrUnexpectedBufferOverrun = &Error{Kind: KindUnexpectedBufferOverrun}
)

// UnknownSession returns an error naming the unrecognized local session id.
func UnknownSession(id uint64) error {
	return &Error{Kind: KindUnknownLocalSessionID, SessionID: id}
}

// KindOf extracts the kind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Invalid wraps a description of a malformed packet so it still matches ErrInvalidPacket.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidPacket}, args...)...)
}
