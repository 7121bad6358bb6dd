// Package s3store implements objectstore.Store against S3-compatible
// object storage via github.com/aws/aws-sdk-go-v2/service/s3. Large
// objects are uploaded through a multipart session so the compactor can
// stream SST bytes as they're produced instead of buffering a whole
// table in memory first.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/metrics"
	"github.com/cuemby/hummock/pkg/objectstore"
	"golang.org/x/sync/errgroup"
)

const (
	// MinPartSize is the smallest part S3 accepts in a multipart upload
	// (except for the final part).
	MinPartSize = 5 << 20
	// TargetPartSize is the part size the uploader buffers up to before
	// flushing, chosen well above MinPartSize so a typical SST needs few
	// round trips.
	TargetPartSize = 16 << 20
	// maxConcurrentParts bounds how many parts of one object upload in
	// parallel.
	maxConcurrentParts = 4
)

// Config configures the S3-backed store.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	KeyPrefix      string
	ForcePathStyle bool
}

// Store is an S3-backed objectstore.Store.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// New wraps an existing S3 client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}
}

// NewFromConfig builds an S3 client from the default AWS credential chain
// and environment, then wraps it.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func (s *Store) key(path string) string { return s.keyPrefix + path }

func (s *Store) Upload(ctx context.Context, path string, data []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RemoteIODuration, "upload")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return hmerrors.NewObjectStoreError("upload", path, err)
	}
	metrics.SstUploadBytes.Add(float64(len(data)))
	return nil
}

// StreamingUpload starts a multipart upload session. Bytes are buffered
// until they reach TargetPartSize, then the buffered parts are flushed
// concurrently (bounded by maxConcurrentParts) via errgroup so a large
// SST doesn't serialize on one HTTP round trip per part.
func (s *Store) StreamingUpload(ctx context.Context, path string) (objectstore.Uploader, error) {
	key := s.key(path)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, hmerrors.NewObjectStoreError("create_multipart_upload", path, err)
	}
	return &uploader{
		store:    s,
		path:     path,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		buf:      make([]byte, 0, TargetPartSize),
	}, nil
}

type uploader struct {
	store    *Store
	path     string
	key      string
	uploadID string
	buf      []byte
	nextPart int32
	mu       sync.Mutex
	parts    []s3types.CompletedPart
}

func (u *uploader) WriteBytes(b []byte) error {
	u.mu.Lock()
	u.buf = append(u.buf, b...)
	shouldFlush := len(u.buf) >= TargetPartSize
	u.mu.Unlock()
	if shouldFlush {
		return u.flush(context.Background(), false)
	}
	return nil
}

// flush uploads every complete TargetPartSize-sized chunk currently
// buffered. final forces the remainder (which may be under MinPartSize,
// legal only for the last part) out as one more part.
func (u *uploader) flush(ctx context.Context, final bool) error {
	u.mu.Lock()
	var chunks [][]byte
	for len(u.buf) >= TargetPartSize {
		chunks = append(chunks, u.buf[:TargetPartSize])
		u.buf = u.buf[TargetPartSize:]
	}
	if final && len(u.buf) > 0 {
		chunks = append(chunks, u.buf)
		u.buf = nil
	}
	startPart := u.nextPart
	u.nextPart += int32(len(chunks))
	u.mu.Unlock()

	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentParts)
	completed := make([]s3types.CompletedPart, len(chunks))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		partNum := startPart + int32(i) + 1
		g.Go(func() error {
			out, err := u.store.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:     aws.String(u.store.bucket),
				Key:        aws.String(u.key),
				UploadId:   aws.String(u.uploadID),
				PartNumber: aws.Int32(partNum),
				Body:       bytes.NewReader(chunk),
			})
			if err != nil {
				return hmerrors.NewObjectStoreError("upload_part", u.path, err)
			}
			completed[i] = s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNum)}
			metrics.SstUploadBytes.Add(float64(len(chunk)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	u.mu.Lock()
	u.parts = append(u.parts, completed...)
	u.mu.Unlock()
	return nil
}

// Finish completes the upload. If no part ever reached TargetPartSize,
// the multipart session never actually uploaded anything, so it's
// cheaper and simpler to abort it and fall back to a single PUT of
// whatever was buffered — unless nothing was ever written at all, which
// is a caller bug (an SST with zero bytes), reported as ErrEmptyObject
// rather than silently completing an empty multipart upload.
func (u *uploader) Finish(ctx context.Context) error {
	u.mu.Lock()
	remainder := append([]byte(nil), u.buf...)
	everFlushed := u.nextPart > 0
	u.mu.Unlock()

	if !everFlushed {
		_, _ = u.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(u.store.bucket), Key: aws.String(u.key), UploadId: aws.String(u.uploadID),
		})
		if len(remainder) == 0 {
			return hmerrors.NewObjectStoreError("finish", u.path, hmerrors.ErrEmptyObject)
		}
		return u.store.Upload(ctx, u.path, remainder)
	}

	if err := u.flush(ctx, true); err != nil {
		_, _ = u.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(u.store.bucket), Key: aws.String(u.key), UploadId: aws.String(u.uploadID),
		})
		return err
	}

	parts := append([]s3types.CompletedPart(nil), u.parts...)
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	_, err := u.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.store.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return hmerrors.NewObjectStoreError("complete_multipart_upload", u.path, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string, rng *objectstore.ByteRange) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RemoteIODuration, "read")

	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))}
	if rng != nil {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, objectstore.NewNotFoundError("read", path)
		}
		return nil, hmerrors.NewObjectStoreError("read", path, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, hmerrors.NewObjectStoreError("read", path, err)
	}
	return buf.Bytes(), nil
}

func isNoSuchKey(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

// ReadV issues one GetObject per requested range concurrently, bounded
// the same way StreamingUpload bounds part uploads.
func (s *Store) ReadV(ctx context.Context, path string, ranges []objectstore.ByteRange) ([][]byte, error) {
	out := make([][]byte, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentParts)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			data, err := s.Read(gctx, path, &r)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Metadata(ctx context.Context, path string) (objectstore.ObjectMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return objectstore.ObjectMetadata{}, objectstore.NewNotFoundError("metadata", path)
		}
		return objectstore.ObjectMetadata{}, hmerrors.NewObjectStoreError("metadata", path, err)
	}
	var lastModified int64
	if out.LastModified != nil {
		lastModified = out.LastModified.Unix()
	}
	return objectstore.ObjectMetadata{Path: path, TotalSize: uint64(aws.ToInt64(out.ContentLength)), LastModified: lastModified}, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(path))})
	if err != nil {
		return hmerrors.NewObjectStoreError("delete", path, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.ObjectMetadata, error) {
	var out []objectstore.ObjectMetadata
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, hmerrors.NewObjectStoreError("list", prefix, err)
		}
		for _, obj := range page.Contents {
			var lastModified int64
			if obj.LastModified != nil {
				lastModified = obj.LastModified.Unix()
			}
			out = append(out, objectstore.ObjectMetadata{
				Path:         strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix),
				TotalSize:    uint64(aws.ToInt64(obj.Size)),
				LastModified: lastModified,
			})
		}
	}
	return out, nil
}
