// Package s3storage mirrors split report PDFs into a MinIO/S3 bucket and
// hands out presigned download links for them.
package s3storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/retina-intake/internal/config"
)

// Storage wraps MinIO/S3 interactions for split reports.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{client: client, bucket: cfg.ReportsBucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the reports bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// ObjectKey is the key a split report is stored under.
func ObjectKey(kind, filename string) string {
	return path.Join(kind, filename)
}

// PutReport uploads the split report at localPath under its kind prefix.
func (s *Storage) PutReport(ctx context.Context, kind, localPath string) error {
	key := ObjectKey(kind, filepath.Base(localPath))
	opts := minio.PutObjectOptions{ContentType: "application/pdf"}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, opts); err != nil {
		return fmt.Errorf("upload report %s: %w", key, err)
	}
	return nil
}

// PresignReportURL returns a signed GET URL for a split report.
func (s *Storage) PresignReportURL(ctx context.Context, kind, filename string, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", filename))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, ObjectKey(kind, filename), ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign report: %w", err)
	}
	return u.String(), nil
}
