package object

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("blobsync: object not found")
	ErrDigestMismatch     = errors.New("blobsync: digest mismatch")
	ErrTransferFailed     = errors.New("blobsync: transfer failed")
	ErrInvalidDestination = errors.New("blobsync: invalid destination")
	ErrNotADirectory      = errors.New("blobsync: not a directory")
)

// NotFoundError reports that an identity does not exist in the remote store.
type NotFoundError struct {
	Identity Identity
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blobsync: object %s not found", e.Identity)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MismatchKind tells which pair of digests disagreed.
type MismatchKind int

const (
	// ExpectedVsRemote: the caller's expectation disagrees with the remote's
	// declared digest. Raised before any byte is transferred.
	ExpectedVsRemote MismatchKind = iota
	// LocalVsRemote: freshly written bytes disagree with the remote's declared digest.
	LocalVsRemote
	// LocalVsExpected: freshly written bytes disagree with the caller's expectation.
	LocalVsExpected
)

func (k MismatchKind) String() string {
	switch k {
	case ExpectedVsRemote:
		return "expected digest does not match remote digest"
	case LocalVsRemote:
		return "downloaded content does not match remote digest"
	case LocalVsExpected:
		return "downloaded content does not match expected digest"
	default:
		return "digest mismatch"
	}
}

// DigestMismatchError carries both encoded digest values so corruption and
// stale expectations can be told apart from the message alone.
type DigestMismatchError struct {
	Kind      MismatchKind
	Identity  Identity
	Algorithm string
	Expected  string
	Actual    string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("blobsync: %s for %s (%s): want %s, got %s",
		e.Kind, e.Identity, e.Algorithm, e.Expected, e.Actual)
}

func (e *DigestMismatchError) Is(target error) bool { return target == ErrDigestMismatch }

// TransferError wraps a transport or subprocess failure.
type TransferError struct {
	Identity Identity
	Op       string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("blobsync: %s %s: %v", e.Op, e.Identity, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }
