// Package upload issues presigned URLs for attachment storage on any
// S3-compatible backend.
package upload

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/U1805/mew-sub004/internal/util"
)

const presignExpiry = 15 * time.Minute

// Service wraps a MinIO client for one bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Presign describes one presigned upload slot.
type Presign struct {
	UploadURL string `json:"uploadUrl"`
	ObjectKey string `json:"objectKey"`
	ExpiresIn int    `json:"expiresIn"`
}

// PresignPut returns a presigned PUT URL for an attachment. The object key is
// namespaced by channel so cleanup can target a channel prefix.
func (s *Service) PresignPut(ctx context.Context, channelID, filename string) (Presign, error) {
	objectKey := path.Join("attachments", channelID, util.NewID("att")+"-"+sanitizeFilename(filename))

	u, err := s.client.PresignedPutObject(ctx, s.bucket, objectKey, presignExpiry)
	if err != nil {
		return Presign{}, fmt.Errorf("presign put: %w", err)
	}

	return Presign{
		UploadURL: u.String(),
		ObjectKey: objectKey,
		ExpiresIn: int(presignExpiry.Seconds()),
	}, nil
}

// PresignGet returns a temporary download URL for a stored attachment.
func (s *Service) PresignGet(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}

// sanitizeFilename keeps object keys flat and URL-safe.
func sanitizeFilename(name string) string {
	name = path.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "file"
	}
	return out
}
