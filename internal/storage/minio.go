package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"time"

	"github.com/maneesh/labarchive/internal/delivery"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PresignExpiry is how long an export download link stays valid
const PresignExpiry = 15 * time.Minute

// MinioClient wraps MinIO operations with tracing
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Printf("Creating bucket: %s", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioClient{client: client, bucketName: bucketName}, nil
}

// PutArchive streams r into objectKey. size must be the exact length of r.
func (mc *MinioClient) PutArchive(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "minio.put_archive",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	return nil
}

// PresignedURL returns a time-limited download link for objectKey
func (mc *MinioClient) PresignedURL(ctx context.Context, objectKey, filename string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	u, err := mc.client.PresignedGetObject(ctx, mc.bucketName, objectKey, PresignExpiry, params)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to presign object: %w", err)
	}
	return u.String(), nil
}

// ExportKey returns the object key an exported archive is stored under
func ExportKey(artifact delivery.Artifact) string {
	return path.Join("exports", artifact.SessionToken, artifact.Filename)
}

// ArchiveStore is the part of MinioClient a MinioSink writes through
type ArchiveStore interface {
	PutArchive(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
}

// MinioSink delivers archives into the export bucket
type MinioSink struct {
	store ArchiveStore

	// ObjectKey and Size are set once Accept succeeds
	ObjectKey string
	Size      int64
}

// NewMinioSink creates a sink that uploads through store
func NewMinioSink(store ArchiveStore) *MinioSink {
	return &MinioSink{store: store}
}

// Accept uploads the archive under ExportKey
func (s *MinioSink) Accept(ctx context.Context, artifact delivery.Artifact, r io.Reader) error {
	key := ExportKey(artifact)
	if err := s.store.PutArchive(ctx, key, r, artifact.Size, artifact.ContentType); err != nil {
		return err
	}
	s.ObjectKey = key
	s.Size = artifact.Size
	return nil
}
