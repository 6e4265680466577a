package remote

import (
	"errors"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/aweris/blobsync/internal/object"
)

// translateError maps registry responses onto cache-domain errors: any
// flavour of "does not exist" becomes *object.NotFoundError, everything else
// a *object.TransferError.
func translateError(err error, id object.Identity, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, object.ErrNotFound) {
		return err
	}
	if isNotFound(err) {
		return &object.NotFoundError{Identity: id}
	}
	return &object.TransferError{Identity: id, Op: op, Err: err}
}

func isNotFound(err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return false
	}
	if terr.StatusCode == http.StatusNotFound {
		return true
	}
	for _, d := range terr.Errors {
		switch d.Code {
		case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode, transport.BlobUnknownErrorCode:
			return true
		}
	}
	return false
}
