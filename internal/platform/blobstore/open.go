package blobstore

import (
	"context"
	"fmt"
)

// Open returns the store for driver ("memory" or "s3").
func Open(ctx context.Context, driver string, s3cfg S3Config) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, s3cfg)
	}
	return nil, fmt.Errorf("unknown blob driver %q", driver)
}
