package repository

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("stored object not found")

// StoredObject describes content written to the addressed store.
type StoredObject struct {
	// Path is the store-relative location, derived from Hash.
	Path string
	Hash string
	Size int64
	// Existed is true when identical content was already stored and nothing was written.
	Existed bool
}

// ContentStore keeps downloaded bytes addressed by their SHA-256. Objects are immutable.
type ContentStore interface {
	Put(ctx context.Context, r io.Reader, ext string) (*StoredObject, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}
