// Package objectstore abstracts the durable blob layer SST data and meta
// blobs live in. Three backends satisfy Store: disk (local filesystem,
// single-node/dev), s3store (github.com/aws/aws-sdk-go-v2/service/s3),
// and hybrid (dispatches between the two by a path prefix, for clusters
// migrating from local disk to remote storage without a flag day).
package objectstore

import (
	"context"

	"github.com/cuemby/hummock/pkg/hmerrors"
)

// LocalPrefix marks a path that hybrid.Store routes to its local backend
// instead of its remote one.
const LocalPrefix = "local://"

// ByteRange is an inclusive byte offset range for a partial read.
type ByteRange struct {
	Start uint64
	End   uint64 // inclusive
}

// ObjectMetadata describes one stored object without fetching its body.
type ObjectMetadata struct {
	Path         string
	TotalSize    uint64
	LastModified int64 // unix seconds
}

// Store is the durable blob interface every backend implements.
type Store interface {
	Upload(ctx context.Context, path string, data []byte) error
	StreamingUpload(ctx context.Context, path string) (Uploader, error)
	Read(ctx context.Context, path string, rng *ByteRange) ([]byte, error)
	ReadV(ctx context.Context, path string, ranges []ByteRange) ([][]byte, error)
	Metadata(ctx context.Context, path string) (ObjectMetadata, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]ObjectMetadata, error)
}

// Uploader accumulates bytes for one object across multiple writes and
// finalizes them as a single logical object on Finish. Implementations
// are free to bridge this onto a multipart upload once enough bytes have
// accumulated (see s3store's uploader type).
type Uploader interface {
	WriteBytes(b []byte) error
	Finish(ctx context.Context) error
}

// NewNotFoundError wraps err (or a generic not-found sentinel) as an
// hmerrors.ObjectStoreError for the given operation and path.
func NewNotFoundError(op, path string) error {
	return hmerrors.NewObjectStoreError(op, path, hmerrors.ErrNotFound)
}
