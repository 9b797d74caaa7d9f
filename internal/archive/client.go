package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/agentchan/internal/config"
	"go.uber.org/zap"
)

// NewS3Client builds a client for AWS S3 or a compatible service (MinIO,
// Cloudflare R2) from the archive section of the config. Static keys win
// over the default AWS credential chain when both are set.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// Open connects the archive described by cfg.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("thread archive configured",
		zap.String("bucket", cfg.Bucket),
		zap.String("prefix", cfg.Prefix),
		zap.String("endpoint", cfg.Endpoint),
	)
	return NewStore(client, Config{
		Bucket:       cfg.Bucket,
		Prefix:       cfg.Prefix,
		StorageClass: cfg.StorageClass,
	}, logger), nil
}
