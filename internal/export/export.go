// Package export delivers saved images to a local directory or an
// S3-compatible bucket.
package export

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"vfxproc/internal/config"
	"vfxproc/internal/fsutil"
)

// Exporter stores the file at src under name and returns where it went.
type Exporter interface {
	Export(ctx context.Context, src, name string) (string, error)
}

// Dir copies files into a local directory.
type Dir struct {
	Root string
}

// NewDir returns an exporter writing into root.
func NewDir(root string) *Dir {
	return &Dir{Root: root}
}

func (d *Dir) Export(ctx context.Context, src, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(d.Root, filepath.Base(name))
	if err := fsutil.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return dst, nil
}

// MinIO uploads files to a bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIO connects to the configured endpoint and creates the bucket if it
// does not exist.
func NewMinIO(ctx context.Context, cfg config.MinIO, prefix string) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio export requires an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIO{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (m *MinIO) Export(ctx context.Context, src, name string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	objectName := ObjectName(m.prefix, name)
	_, err = m.client.PutObject(ctx, m.bucket, objectName, f, info.Size(), minio.PutObjectOptions{
		ContentType: ContentType(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, objectName), nil
}

// ObjectName joins prefix and the base of name with forward slashes.
func ObjectName(prefix, name string) string {
	return path.Join(prefix, filepath.Base(name))
}

// ContentType guesses a MIME type from the extension of name.
func ContentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
