package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
)

// S3Mirror copies finished archives to an S3 bucket under
// <prefix>/<runid>/<archive name>.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	logger arbor.ILogger
}

// NewS3Mirror returns nil when no bucket is configured. Credentials come from
// the default AWS chain; S3Endpoint selects an S3-compatible store with
// path-style addressing.
func NewS3Mirror(ctx context.Context, cfg common.ArchiveConfig, logger arbor.ILogger) (*S3Mirror, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	var opts []func(*config.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, config.WithRegion(cfg.S3Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Mirror{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix, logger: logger}, nil
}

// Key returns the object key of an archive.
func (m *S3Mirror) Key(runid, archivePath string) string {
	return path.Join(m.prefix, runid, filepath.Base(archivePath))
}

// Upload stores the archive and returns its s3:// URL.
func (m *S3Mirror) Upload(ctx context.Context, runid, archivePath string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	key := m.Key(runid, archivePath)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
		Metadata:      map[string]string{"runid": runid},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	url := fmt.Sprintf("s3://%s/%s", m.bucket, key)
	m.logger.Info().Str("runid", runid).Str("url", url).Int64("bytes", info.Size()).Msg("Archive mirrored")
	return url, nil
}
