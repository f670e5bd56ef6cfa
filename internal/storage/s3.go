package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vidgen/backend/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Storage implements videos.BlobStore backed by an S3-compatible service.
// Objects stay private; playback goes through presigned GET URLs.
type S3Storage struct {
	uploader uploader
	presign  *s3.PresignClient
	bucket   string
	prefix   string
	urlTTL   time.Duration
	now      func() time.Time
}

// NewS3Storage configures an uploader and presigner for the provided object store.
func NewS3Storage(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	return &S3Storage{
		uploader: up,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		urlTTL:   ttl,
		now:      time.Now,
	}, nil
}

// Put uploads body under the configured prefix and returns the object key.
func (s *S3Storage) Put(ctx context.Context, name string, body io.Reader, contentType string) (string, error) {
	key := strings.TrimLeft(path.Join(s.prefix, name), "/")
	if strings.TrimSpace(name) == "" || key == "" {
		return "", fmt.Errorf("s3 storage: empty key")
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 storage upload %s: %w", key, err)
	}

	return key, nil
}

// SignedURL presigns a GET for the object and reports when the signature lapses.
func (s *S3Storage) SignedURL(ctx context.Context, key string) (string, time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return "", time.Time{}, fmt.Errorf("s3 storage: empty key")
	}

	issued := s.now().UTC()
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("s3 storage presign %s: %w", key, err)
	}

	return req.URL, issued.Add(s.urlTTL), nil
}
