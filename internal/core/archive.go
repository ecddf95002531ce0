package core

import (
	"context"

	blobcore "sterilcore/internal/blob/core"
	blobfs "sterilcore/internal/infra/blob/fs"
	blobmemory "sterilcore/internal/infra/blob/memory"
	blobs3 "sterilcore/internal/infra/blob/s3"
)

// BlobConfig selects the incident report archive.
type BlobConfig struct {
	Driver string
	FSRoot string
	S3     blobs3.Config
}

// OpenBlobStore builds the configured archive. An empty driver selects memory.
func OpenBlobStore(ctx context.Context, cfg BlobConfig) (blobcore.Store, error) {
	driver, err := blobcore.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	switch driver {
	case blobcore.DriverFilesystem:
		return blobfs.New(cfg.FSRoot)
	case blobcore.DriverS3:
		return blobs3.New(ctx, cfg.S3)
	default:
		return blobmemory.New(), nil
	}
}
