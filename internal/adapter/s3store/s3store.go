// Package s3store keeps downloaded files in an S3-compatible bucket, addressed by SHA-256.
package s3store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/pkg/config"
)

// Store writes each object once under {prefix}/{hash[:2]}/{hash}{ext}.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	tmpDir string
}

// New connects to the endpoint and creates the bucket if it does not exist.
func New(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*Store, error) {
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	// Accept a full URL as endpoint.
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			secure = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("bucket created", zap.String("bucket", cfg.Bucket))
	}

	logger.Info("s3 content store ready", zap.String("endpoint", endpoint), zap.String("bucket", cfg.Bucket))
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, tmpDir: os.TempDir()}, nil
}

var _ repository.ContentStore = (*Store)(nil)

func (s *Store) key(rel string) string {
	if s.prefix == "" {
		return rel
	}
	return path.Join(s.prefix, rel)
}

// Put spools the content to a temp file to learn its hash, then uploads it unless an
// object with that hash already exists.
func (s *Store) Put(ctx context.Context, r io.Reader, ext string) (*repository.StoredObject, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "ingest-s3-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, hasher))
	if err != nil {
		return nil, fmt.Errorf("spool content: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	rel := path.Join(hash[:2], hash+ext)
	obj := &repository.StoredObject{Path: rel, Hash: hash, Size: size}

	if _, err := s.client.StatObject(ctx, s.bucket, s.key(rel), minio.StatObjectOptions{}); err == nil {
		obj.Existed = true
		return obj, nil
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return nil, fmt.Errorf("stat object %s: %w", rel, err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(rel), tmp, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"sha256": hash},
	})
	if err != nil {
		return nil, fmt.Errorf("upload object %s: %w", rel, err)
	}
	return obj, nil
}

// Open streams an object from the bucket.
func (s *Store) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, s.key(rel), minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", rel, repository.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("stat object %s: %w", rel, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(rel), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", rel, err)
	}
	return obj, nil
}
