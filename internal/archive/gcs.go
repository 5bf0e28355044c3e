package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore writes export snapshots to a GCS bucket, optionally under a
// prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCS-backed archive. The client authenticates via
// ambient credentials (e.g. GOOGLE_APPLICATION_CREDENTIALS).
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + name
}

// Store uploads one snapshot, overwriting any object with the same name.
func (s *GCSStore) Store(ctx context.Context, name string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(name))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", name, err)
	}
	return nil
}

// Load downloads one snapshot.
func (s *GCSStore) Load(ctx context.Context, name string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(name))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("archive not found: %s", name)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", name, err)
	}
	return data, nil
}

// List returns snapshot names under the prefix.
func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	var query *storage.Query
	if s.prefix != "" {
		query = &storage.Query{Prefix: strings.TrimSuffix(s.prefix, "/") + "/"}
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			names = append(names, strings.TrimPrefix(attrs.Name, s.objectName("")))
		}
	}
	return names, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
