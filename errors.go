package blobsync

import "github.com/aweris/blobsync/internal/object"

var (
	ErrNotFound           = object.ErrNotFound
	ErrDigestMismatch     = object.ErrDigestMismatch
	ErrTransferFailed     = object.ErrTransferFailed
	ErrInvalidDestination = object.ErrInvalidDestination
	ErrNotADirectory      = object.ErrNotADirectory
)

type (
	ObjectNotFoundError = object.NotFoundError
	DigestMismatchError = object.DigestMismatchError
	TransferError       = object.TransferError
	MismatchKind        = object.MismatchKind
)

// Mismatch kinds reported by DigestMismatchError.
const (
	ExpectedVsRemote = object.ExpectedVsRemote
	LocalVsRemote    = object.LocalVsRemote
	LocalVsExpected  = object.LocalVsExpected
)
