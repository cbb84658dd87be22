package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mattjoyce/relayer/internal/config"
)

// S3Mirror copies finished archives to a bucket.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Mirror builds a mirror from archive.s3. Credentials come from the
// default AWS chain. A custom endpoint (MinIO and friends) switches to
// path-style addressing.
func NewS3Mirror(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if logger == nil {
		logger = slog.Default()
	}
	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With(slog.String("component", "archive.s3")),
	}, nil
}

// Upload puts the file at localPath under prefix/key.
func (m *S3Mirror) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	fullKey := path.Join(m.prefix, key)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(fullKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, fullKey, err)
	}

	m.logger.Info("archive mirrored", "bucket", m.bucket, "key", fullKey, "bytes", info.Size())
	return nil
}
