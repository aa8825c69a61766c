package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/remorafs/remora/pkg/remote"
	"github.com/remorafs/remora/pkg/remote/memory"
	remoteS3 "github.com/remorafs/remora/pkg/remote/s3"
)

// NewRemoteClient builds the remote client selected by cfg.Remote.Type.
//
// Only the matching type-specific section is decoded into the client's
// own config struct, so a config file can carry sections for backends it
// is not currently using.
func NewRemoteClient(ctx context.Context, cfg *Config) (remote.Client, error) {
	switch cfg.Remote.Type {
	case "memory":
		return memory.NewMemoryClient(), nil
	case "s3":
		return newS3Client(ctx, cfg.Remote.S3)
	default:
		return nil, fmt.Errorf("unknown remote type %q", cfg.Remote.Type)
	}
}

// newS3Client decodes the s3 section and builds the S3 client.
func newS3Client(ctx context.Context, section S3Config) (remote.Client, error) {
	var clientCfg remoteS3.Config
	if err := mapstructure.Decode(&section, &clientCfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	return remoteS3.NewS3Client(ctx, clientCfg)
}
