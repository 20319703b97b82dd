package remote

import (
	"context"
	"fmt"

	"dv-go/internal/config"
	"dv-go/internal/dv"
)

// NewRemoteFromConfig creates a RemoteProvider based on the remote config type.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig, clock dv.Clock) (dv.RemoteProvider, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRemote(clock), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem remote requires fs_root to be set")
		}
		return NewFileSystemRemote(cfg.FSRoot, cfg.BaseURL)
	case "s3":
		return NewS3Remote(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			LinkExpiry:      cfg.LinkExpiry.D(),
		})
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
