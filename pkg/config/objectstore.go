package config

import (
	"context"
	"fmt"

	"github.com/cuemby/hummock/pkg/objectstore"
	"github.com/cuemby/hummock/pkg/objectstore/disk"
	"github.com/cuemby/hummock/pkg/objectstore/hybrid"
	"github.com/cuemby/hummock/pkg/objectstore/s3store"
)

// BuildObjectStore constructs the backend named by cfg.Backend. Both
// the meta node and the compactor call this against the same config
// section so they always agree on where SSTs live.
func BuildObjectStore(ctx context.Context, cfg ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Backend {
	case "disk":
		return disk.New(cfg.Disk.Root)
	case "s3":
		return buildS3(ctx, cfg.S3)
	case "hybrid":
		local, err := disk.New(cfg.Disk.Root)
		if err != nil {
			return nil, fmt.Errorf("build local backend: %w", err)
		}
		remote, err := buildS3(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("build remote backend: %w", err)
		}
		return hybrid.New(local, remote), nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

func buildS3(ctx context.Context, cfg S3Config) (objectstore.Store, error) {
	return s3store.NewFromConfig(ctx, s3store.Config{
		Bucket:         cfg.Bucket,
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		KeyPrefix:      cfg.KeyPrefix,
		ForcePathStyle: cfg.ForcePathStyle,
	})
}
