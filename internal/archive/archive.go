// Package archive persists downloaded page images for downstream consumers.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/FranksOps/deedscan/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores the bytes of one page image.
type Archiver interface {
	Put(ctx context.Context, docID string, page int, data []byte) error
}

// New builds the archiver selected by cfg.Kind.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "dir":
		return NewDir(cfg.Dir)
	case "minio":
		return NewMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown kind %q", cfg.Kind)
	}
}

// Nop discards images.
type Nop struct{}

func (Nop) Put(context.Context, string, int, []byte) error { return nil }

// Key is the object name of page of docID, with the extension sniffed from data.
func Key(prefix, docID string, page int, data []byte) string {
	return path.Join(prefix, docID, fmt.Sprintf("page-%d%s", page, extension(data)))
}

func extension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	default:
		return ".bin"
	}
}

// Dir writes images below a local directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

// Put writes the image through a temp file so readers never see a partial page.
func (d *Dir) Put(_ context.Context, docID string, page int, data []byte) error {
	name := filepath.Join(d.root, filepath.FromSlash(Key("", docID, page, data)))
	if !strings.HasPrefix(name, filepath.Clean(d.root)+string(filepath.Separator)) {
		return fmt.Errorf("archive: document id %q escapes archive root", docID)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".page-*")
	if err != nil {
		return fmt.Errorf("archive: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: rename: %w", err)
	}
	return nil
}

// MinIO uploads images to an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIO connects to cfg.Endpoint and creates the bucket if it is missing.
func NewMinIO(ctx context.Context, cfg config.ArchiveConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIO{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinIO) Put(ctx context.Context, docID string, page int, data []byte) error {
	key := Key(m.prefix, docID, page, data)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  http.DetectContentType(data),
		UserMetadata: map[string]string{"document-id": docID},
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}
