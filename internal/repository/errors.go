package repository

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"
)

var (
	ErrNotFound = errors.New("document not found")

	// ErrConflict is CouchDB's MVCC update conflict: either the document id
	// already exists on create, or another writer updated the revision first.
	ErrConflict = errors.New("document update conflict")
)

func wrapKivikError(op string, err error) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
