// Package gcs stores stage pointers as JSON objects in Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Config captures the bucket and object prefix for stage pointers.
type Config struct {
	Bucket string
	Prefix string
}

// StageStore writes one object per pipeline: <prefix>/<pipeline id>.json.
type StageStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed stage store.
func New(client *storage.Client, cfg Config) (*StageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "stages"
	}
	return &StageStore{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *StageStore) objectName(pipelineID string) string {
	return path.Join(s.prefix, pipelineID+".json")
}

// GetStage reads the pipeline's pointer object.
func (s *StageStore) GetStage(ctx context.Context, pipelineID string) (grid.StagePointer, bool, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(pipelineID)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return grid.StagePointer{}, false, nil
	}
	if err != nil {
		return grid.StagePointer{}, false, fmt.Errorf("open stage object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return grid.StagePointer{}, false, fmt.Errorf("read stage object: %w", err)
	}
	var ptr grid.StagePointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return grid.StagePointer{}, false, fmt.Errorf("decode stage pointer: %w", err)
	}
	return ptr, true, nil
}

// PutStage overwrites the pipeline's pointer object.
func (s *StageStore) PutStage(ctx context.Context, pipelineID string, ptr grid.StagePointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("encode stage pointer: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.objectName(pipelineID)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write stage object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write stage object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
