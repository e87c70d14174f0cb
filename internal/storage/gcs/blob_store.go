package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// BlobStore keeps fetched page bodies as objects in a bucket. Object names
// are the cleaned, slash-separated paths the fetch task builds.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// NewBlobStore binds a page store to bucket.
func NewBlobStore(client *storage.Client, bucket string) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

func objectPath(p string) (string, error) {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" {
		return "", fmt.Errorf("object path is required")
	}
	return name, nil
}

// PutObject streams a page body into the bucket and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, body io.Reader) (string, error) {
	name, err := objectPath(p)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, body); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write page object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("write page object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize page object %s: %w", name, err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}
