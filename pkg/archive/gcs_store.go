//go:build gcp

package archive

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"github.com/agenr/agenr/pkg/faults"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket. Credentials come
// from application default credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "create gcs client")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(hash string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + hash + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := HashBytes(data)

	obj := s.object(hash)
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", faults.Wrap(faults.KindTransient, err, "gcs write")
	}
	if err := w.Close(); err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "gcs commit")
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := validateHash(hash); err != nil {
		return nil, err
	}

	r, err := s.object(hash).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, faults.NotFound("blob %s not found", hash)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "gcs get")
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "gcs read body")
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := validateHash(hash); err != nil {
		return false, err
	}

	_, err := s.object(hash).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, faults.Wrap(faults.KindTransient, err, "gcs attrs")
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	if err := validateHash(hash); err != nil {
		return err
	}

	err := s.object(hash).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return faults.Wrap(faults.KindTransient, err, "gcs delete")
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
