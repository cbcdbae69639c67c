// Package filestore keeps downloaded files on local disk, addressed by SHA-256.
// Writes stream through a hasher into a temp file, fsync, then rename into place.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/portal-ingest/internal/repository"
)

// FileStore is a content-addressed directory tree: {root}/{hash[:2]}/{hash}{ext}.
type FileStore struct {
	root string
}

// New creates the root and temp directories if needed.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

var _ repository.ContentStore = (*FileStore)(nil)

// ObjectPath is the store-relative path of content with the given hash.
func ObjectPath(hash, ext string) string {
	return filepath.ToSlash(filepath.Join(hash[:2], hash+ext))
}

// Put stores r unless identical content is already present. Existing objects are never
// rewritten.
func (fs *FileStore) Put(ctx context.Context, r io.Reader, ext string) (*repository.StoredObject, error) {
	tmp, err := os.CreateTemp(filepath.Join(fs.root, ".tmp"), "put-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(&ctxReader{ctx: ctx, r: r}, hasher))
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	rel := ObjectPath(hash, ext)
	full := filepath.Join(fs.root, filepath.FromSlash(rel))
	obj := &repository.StoredObject{Path: rel, Hash: hash, Size: size}

	if _, err := os.Stat(full); err == nil {
		obj.Existed = true
		return obj, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		return nil, fmt.Errorf("move object into place: %w", err)
	}
	committed = true
	return obj, nil
}

// Open returns the stored object at a store-relative path.
func (fs *FileStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	f, err := os.Open(filepath.Join(fs.root, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, repository.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	return f, nil
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
