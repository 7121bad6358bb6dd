// Package hybrid dispatches objectstore.Store calls between a local and
// a remote backend by path prefix, letting a cluster keep using local
// disk for small/dev deployments while SSTs destined for durable
// storage use the remote (normally S3) backend.
package hybrid

import (
	"context"
	"strings"

	"github.com/cuemby/hummock/pkg/objectstore"
)

// Store routes any path beginning with objectstore.LocalPrefix to Local,
// everything else to Remote.
type Store struct {
	Local  objectstore.Store
	Remote objectstore.Store
}

// New builds a hybrid store over the two backends.
func New(local, remote objectstore.Store) *Store {
	return &Store{Local: local, Remote: remote}
}

func (s *Store) backend(path string) (objectstore.Store, string) {
	if strings.HasPrefix(path, objectstore.LocalPrefix) {
		return s.Local, strings.TrimPrefix(path, objectstore.LocalPrefix)
	}
	return s.Remote, path
}

func (s *Store) Upload(ctx context.Context, path string, data []byte) error {
	backend, p := s.backend(path)
	return backend.Upload(ctx, p, data)
}

func (s *Store) StreamingUpload(ctx context.Context, path string) (objectstore.Uploader, error) {
	backend, p := s.backend(path)
	return backend.StreamingUpload(ctx, p)
}

func (s *Store) Read(ctx context.Context, path string, rng *objectstore.ByteRange) ([]byte, error) {
	backend, p := s.backend(path)
	return backend.Read(ctx, p, rng)
}

func (s *Store) ReadV(ctx context.Context, path string, ranges []objectstore.ByteRange) ([][]byte, error) {
	backend, p := s.backend(path)
	return backend.ReadV(ctx, p, ranges)
}

func (s *Store) Metadata(ctx context.Context, path string) (objectstore.ObjectMetadata, error) {
	backend, p := s.backend(path)
	return backend.Metadata(ctx, p)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	backend, p := s.backend(path)
	return backend.Delete(ctx, p)
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectMetadata, error) {
	backend, p := s.backend(prefix)
	return backend.List(ctx, p)
}
