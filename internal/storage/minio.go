// Package storage reads the stored bytes of an item from the object store.
// It is the collaboration core's only view of durable file content: the
// bytes seed a document the first time it is opened for editing.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"

	"github.com/filebox/filebox/backend-go/internal/apperr"
)

const (
	maxObjectSize = 8 << 20 // 8MB
	fetchTimeout  = 30 * time.Second
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectReader is the slice of the minio client used here.
type objectReader interface {
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
}

type fetchFunc func(ctx context.Context, key string) ([]byte, error)

type ObjectSource struct {
	bucket string
	fetch  fetchFunc
	group  singleflight.Group
}

func NewObjectSource(cfg Config) (*ObjectSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := &ObjectSource{bucket: cfg.Bucket}
	s.fetch = s.fetchFrom(client)
	return s, nil
}

// Content returns the object stored under itemID. Concurrent calls for one
// item share a single download, which outlives any one caller's context; a
// caller whose ctx ends stops waiting but does not abort the others.
func (s *ObjectSource) Content(ctx context.Context, itemID string) ([]byte, error) {
	ch := s.group.DoChan(itemID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx, itemID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ObjectSource) fetchFrom(client objectReader) fetchFunc {
	return func(ctx context.Context, key string) ([]byte, error) {
		obj, err := client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, classify(key, err)
		}
		defer obj.Close()

		b, err := io.ReadAll(io.LimitReader(obj, maxObjectSize+1))
		if err != nil {
			return nil, classify(key, err)
		}
		if len(b) > maxObjectSize {
			return nil, apperr.Invalid("storage.Content", "item %q exceeds %d bytes", key, maxObjectSize)
		}
		return b, nil
	}
}

func classify(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return apperr.NotFound("storage.Content", "item %q has no stored content", key)
	}
	return fmt.Errorf("get object %q: %w", key, err)
}
