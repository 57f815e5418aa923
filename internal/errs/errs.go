// Package errs defines the typed error taxonomy shared by every component of
// the backup core: transport loss, peer-reported failures, integrity
// mismatches, local I/O trouble, space exhaustion, corruption and
// cancellation. Components return these instead of flipping a has_error
// flag, per the "errors via has_error flags" REDESIGN FLAG in the spec.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purposes of retry/abandon decisions made
// by the Coordinator (component F).
type Kind int

const (
	// KindUnknown is the zero value; Classify never returns it for a
	// *Error but callers may see it for plain errors that were never
	// wrapped by this package.
	KindUnknown Kind = iota
	// KindTransport covers socket loss, recovered via the reconnect loop.
	KindTransport
	// KindPeer covers a peer-reported BLOCK_ERROR/COULDNT_OPEN/etc.
	KindPeer
	// KindIntegrity covers a strong-hash mismatch after out-of-band retry.
	KindIntegrity
	// KindIO covers local read/write trouble, retried a bounded number of times.
	KindIO
	// KindNoSpace covers ENOSPC, handled via the free-space callback.
	KindNoSpace
	// KindCorruption covers a malformed sidecar or patch stream.
	KindCorruption
	// KindCancelled covers cooperative shutdown.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindPeer:
		return "PeerError"
	case KindIntegrity:
		return "Integrity"
	case KindIO:
		return "Io"
	case KindNoSpace:
		return "NoSpace"
	case KindCorruption:
		return "Corruption"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error. Peer-reported failures carry the two
// peer error codes verbatim (spec §4.A BLOCK_ERROR(code1, code2)).
type Error struct {
	Kind       Kind
	Code1      int32
	Code2      int32
	underlying error
}

func (e *Error) Error() string {
	if e.Kind == KindPeer {
		return fmt.Sprintf("%s: code1=%d code2=%d: %v", e.Kind, e.Code1, e.Code2, e.underlying)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.underlying)
}

func (e *Error) Unwrap() error { return e.underlying }

// New wraps err under the given Kind, attaching msg as context.
func New(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, underlying: errors.Wrap(err, msg)}
}

// Newf is New with a formatted message.
func Newf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, underlying: errors.Wrapf(err, format, args...)}
}

// Peer builds a KindPeer error carrying the peer's two error codes.
func Peer(code1, code2 int32) *Error {
	return &Error{Kind: KindPeer, Code1: code1, Code2: code2, underlying: errors.Errorf("peer reported error")}
}

// Classify returns the Kind of err if it (or something it wraps) is an
// *Error, otherwise KindUnknown.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is of the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}

var (
	// ErrConnLost is returned by the chunk protocol engine on unrecoverable
	// transport loss (spec §4.A "Fails").
	ErrConnLost = New(KindTransport, errors.New("connection lost"), "chunk engine")
	// ErrHashMismatch is returned after an out-of-band re-request still
	// disagrees with the locally computed strong hash.
	ErrHashMismatch = New(KindIntegrity, errors.New("strong hash mismatch"), "chunk engine")
	// ErrTimeout is returned when the peer goes silent past the idle deadline.
	ErrTimeout = New(KindTransport, errors.New("peer read timeout"), "chunk engine")
	// ErrCancelled is observed by a task unwinding on shutdown.
	ErrCancelled = New(KindCancelled, errors.New("operation cancelled"), "")
)
