// Package disk implements objectstore.Store against the local
// filesystem, used for single-node deployments and tests where running
// against real S3 would be unnecessary overhead.
package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/objectstore"
)

// Store roots every path under a base directory, creating parent
// directories as needed on write.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a disk-backed store rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) fsPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *Store) Upload(_ context.Context, path string, data []byte) error {
	full := s.fsPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return hmerrors.NewObjectStoreError("upload", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return hmerrors.NewObjectStoreError("upload", path, err)
	}
	return nil
}

func (s *Store) StreamingUpload(_ context.Context, path string) (objectstore.Uploader, error) {
	full := s.fsPath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, hmerrors.NewObjectStoreError("streaming_upload", path, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, hmerrors.NewObjectStoreError("streaming_upload", path, err)
	}
	return &uploader{path: path, f: f}, nil
}

type uploader struct {
	path string
	f    *os.File
}

func (u *uploader) WriteBytes(b []byte) error {
	if _, err := u.f.Write(b); err != nil {
		return hmerrors.NewObjectStoreError("write_part", u.path, err)
	}
	return nil
}

func (u *uploader) Finish(_ context.Context) error {
	if err := u.f.Close(); err != nil {
		return hmerrors.NewObjectStoreError("finish_upload", u.path, err)
	}
	return nil
}

func (s *Store) Read(_ context.Context, path string, rng *objectstore.ByteRange) ([]byte, error) {
	full := s.fsPath(path)
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, objectstore.NewNotFoundError("read", path)
	}
	if err != nil {
		return nil, hmerrors.NewObjectStoreError("read", path, err)
	}
	defer f.Close()

	if rng == nil {
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, hmerrors.NewObjectStoreError("read", path, err)
		}
		return data, nil
	}

	length := int64(rng.End-rng.Start) + 1
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(rng.Start))
	if err != nil && n == 0 {
		return nil, hmerrors.NewObjectStoreError("read", path, err)
	}
	return buf[:n], nil
}

func (s *Store) ReadV(ctx context.Context, path string, ranges []objectstore.ByteRange) ([][]byte, error) {
	out := make([][]byte, len(ranges))
	for i, r := range ranges {
		data, err := s.Read(ctx, path, &r)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (s *Store) Metadata(_ context.Context, path string) (objectstore.ObjectMetadata, error) {
	full := s.fsPath(path)
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return objectstore.ObjectMetadata{}, objectstore.NewNotFoundError("metadata", path)
	}
	if err != nil {
		return objectstore.ObjectMetadata{}, hmerrors.NewObjectStoreError("metadata", path, err)
	}
	return objectstore.ObjectMetadata{
		Path:         path,
		TotalSize:    uint64(fi.Size()),
		LastModified: fi.ModTime().Unix(),
	}, nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	if err := os.Remove(s.fsPath(path)); err != nil && !os.IsNotExist(err) {
		return hmerrors.NewObjectStoreError("delete", path, err)
	}
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]objectstore.ObjectMetadata, error) {
	var out []objectstore.ObjectMetadata
	root := s.fsPath(prefix)
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(rel, filepath.ToSlash(prefix)) {
			return nil
		}
		out = append(out, objectstore.ObjectMetadata{
			Path:         rel,
			TotalSize:    uint64(info.Size()),
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	_ = root
	if err != nil {
		return nil, hmerrors.NewObjectStoreError("list", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
