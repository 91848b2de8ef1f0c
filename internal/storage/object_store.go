package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage is the interface for object storage operations.
type ObjectStorage interface {
	UploadBytes(ctx context.Context, data []byte, path, contentType string) (string, error)
	UploadReader(ctx context.Context, reader io.Reader, size int64, path, contentType string) (string, error)
	Download(ctx context.Context, path string) ([]byte, error)
	GenerateSignedURL(ctx context.Context, path string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, path string) error
	DeleteMultiple(ctx context.Context, paths []string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, path string) (bool, error)
	Health(ctx context.Context) error
}

// MinIOConfig holds MinIO connection configuration.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// MinIOStorage implements ObjectStorage with the MinIO SDK.
type MinIOStorage struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewMinIOStorage creates a MinIO storage client.
func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinIOStorage{
		client:     client,
		bucketName: cfg.BucketName,
		region:     cfg.Region,
	}, nil
}

// InitBucket creates the bucket if it does not exist.
func (s *MinIOStorage) InitBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Health checks connectivity.
func (s *MinIOStorage) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// UploadBytes stores data at the given path.
func (s *MinIOStorage) UploadBytes(ctx context.Context, data []byte, objectPath, contentType string) (string, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	info, err := s.client.PutObject(ctx, s.bucketName, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload bytes: %w", err)
	}
	return info.Key, nil
}

// UploadReader streams data to the given path.
func (s *MinIOStorage) UploadReader(ctx context.Context, reader io.Reader, size int64, objectPath, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucketName, objectPath, reader, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload from reader: %w", err)
	}
	return info.Key, nil
}

// Download returns an object's contents.
func (s *MinIOStorage) Download(ctx context.Context, objectPath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// GenerateSignedURL returns a presigned download URL.
func (s *MinIOStorage) GenerateSignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, objectPath, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return u.String(), nil
}

// Delete removes one object.
func (s *MinIOStorage) Delete(ctx context.Context, objectPath string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// DeleteMultiple removes several objects, failing on the first error.
func (s *MinIOStorage) DeleteMultiple(ctx context.Context, paths []string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, p := range paths {
			objectsCh <- minio.ObjectInfo{Key: p}
		}
	}()

	for err := range s.client.RemoveObjects(ctx, s.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if err.Err != nil {
			return fmt.Errorf("failed to delete object %s: %w", err.ObjectName, err.Err)
		}
	}
	return nil
}

// DeletePrefix removes every object under a prefix.
func (s *MinIOStorage) DeletePrefix(ctx context.Context, prefix string) error {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.DeleteMultiple(ctx, keys)
}

// Exists checks object existence.
func (s *MinIOStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, objectPath, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeTitle reduces a source title to a safe path segment.
func SanitizeTitle(title string) string {
	cleaned := unsafePathChars.ReplaceAllString(strings.TrimSpace(title), "-")
	cleaned = strings.Trim(cleaned, "-.")
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	if cleaned == "" {
		cleaned = "untitled"
	}
	return cleaned
}

// SourcePrefix builds the storage prefix for a source's artifacts:
// {projectID}/{timestamp}-{sanitizedTitle}/.
func SourcePrefix(projectID, title string, now time.Time) string {
	return path.Join(projectID, fmt.Sprintf("%d-%s", now.Unix(), SanitizeTitle(title)))
}
