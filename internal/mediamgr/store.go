package mediamgr

import (
	"context"
	"errors"
)

// ErrNotFound reports a media document that does not exist.
var ErrNotFound = errors.New("media document not found")

// MediaDoc is the slice of a media document the dispatcher cares about.
// Attachments are in declaration order.
type MediaDoc struct {
	Streamable  bool
	Attachments []string
}

// Store looks up media documents. The document store itself is an external
// collaborator.
type Store interface {
	GetMediaDoc(ctx context.Context, db, docID string) (*MediaDoc, error)
}
