// Package archive stores progress photos in object storage (S3).
package archive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PhotoStore uploads a progress photo and returns a stable URL for it.
type PhotoStore interface {
	StorePhoto(ctx context.Context, goalID uuid.UUID, period int, contentType string, body io.Reader) (string, error)
}

// S3PhotoStore writes photos to S3 paths like:
//
//	s3://<bucket>/<prefix>/progress/<goalID>/<period>/<photoID>
type S3PhotoStore struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3PhotoStore creates an S3PhotoStore. Region and credentials come from
// the environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3PhotoStore(ctx context.Context, bucket string, prefix string) (*S3PhotoStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &S3PhotoStore{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// StorePhoto uploads the photo body and returns the s3:// URL of the object.
func (s *S3PhotoStore) StorePhoto(ctx context.Context, goalID uuid.UUID, period int, contentType string, body io.Reader) (string, error) {
	if body == nil {
		return "", fmt.Errorf("nil photo body")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	objectKey := path.Join(s.prefix, "progress",
		goalID.String(),
		fmt.Sprintf("%d", period),
		uuid.New().String(),
	)

	upParams := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: aws.String(contentType),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}

	if _, err := s.uploader.Upload(ctx, upParams); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}
