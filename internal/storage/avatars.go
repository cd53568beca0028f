package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxAvatarBytes caps avatar uploads at 5 MiB.
const MaxAvatarBytes = 5 * 1024 * 1024

var (
	// ErrUnsupportedContentType indicates the upload is not one of the
	// accepted image formats.
	ErrUnsupportedContentType = errors.New("storage: unsupported avatar content type")
	// ErrAvatarTooLarge indicates the upload exceeds MaxAvatarBytes.
	ErrAvatarTooLarge = errors.New("storage: avatar exceeds size limit")

	errMissingEndpoint = errors.New("storage: endpoint is required")
	errMissingBucket   = errors.New("storage: bucket is required")
)

var avatarExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// AvatarStoreConfig configures the S3-compatible object store holding avatars.
type AvatarStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// AvatarStore uploads avatar images to an S3-compatible bucket and mints
// short-lived signed URLs for reading them.
type AvatarStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewAvatarStore constructs the store.
func NewAvatarStore(cfg AvatarStoreConfig) (*AvatarStore, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect to object store: %w", err)
	}

	return &AvatarStore{
		client: client,
		bucket: cfg.Bucket,
		expiry: expiry,
	}, nil
}

// Upload stores the avatar and returns its object key.
func (s *AvatarStore) Upload(ctx context.Context, userID int64, contentType string, reader io.Reader, size int64) (string, error) {
	extension, ok := avatarExtensions[contentType]
	if !ok {
		return "", ErrUnsupportedContentType
	}
	if size <= 0 || size > MaxAvatarBytes {
		return "", ErrAvatarTooLarge
	}

	key := fmt.Sprintf("avatars/%d/%s.%s", userID, uuid.NewString(), extension)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload avatar: %w", err)
	}
	return key, nil
}

// Delete removes the object; deleting a missing key is a no-op.
func (s *AvatarStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: delete avatar: %w", err)
	}
	return nil
}

// SignedURL mints a presigned GET URL for the key. An empty key yields an
// empty URL.
func (s *AvatarStore) SignedURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("storage: sign avatar url: %w", err)
	}
	return signed.String(), nil
}
