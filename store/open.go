package store

import (
	"context"
	"fmt"
)

const (
	DriverFilesystem = "filesystem"
	DriverMinio      = "minio"
	DriverGCS        = "gcs"
)

// Config selects and configures a Storage backend.
type Config struct {
	Driver string      `mapstructure:"driver" valid:"in(filesystem|minio|gcs)"`
	Path   string      `mapstructure:"path" valid:"-"`
	Minio  MinioConfig `mapstructure:"minio" valid:"-"`
	GCS    GCSConfig   `mapstructure:"gcs" valid:"-"`
}

// Open returns the backend named by cfg.Driver. MinIO buckets are created
// when missing.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		return NewFileStorage(cfg.Path)
	case DriverMinio:
		s, err := NewMinioStorage(cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case DriverGCS:
		return NewGCSStorage(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
