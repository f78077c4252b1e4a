package report

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clearwater/internal/config"
)

// S3 uploads reports to an S3-compatible object store.
type S3 struct {
	client *minio.Client
}

// NewS3 creates an S3 uploader. It returns nil, nil when no endpoint is
// configured.
func NewS3(cfg config.S3Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "report: create s3 client")
	}
	return &S3{client: client}, nil
}

// Put implements Uploader.
func (s *S3) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return eris.Wrapf(err, "report: put s3://%s/%s", bucket, key)
}
