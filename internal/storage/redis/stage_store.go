// Package redis stores stage pointers as JSON values in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// DefaultPrefix namespaces keys when none is configured.
const DefaultPrefix = "crawlgrid:"

// StageStore keeps one key per pipeline: <prefix>stage:<pipeline id>.
type StageStore struct {
	client redis.UniversalClient
	prefix string
}

// NewStageStore creates a StageStore. The caller owns the client.
func NewStageStore(client redis.UniversalClient, prefix string) (*StageStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &StageStore{client: client, prefix: prefix}, nil
}

func (s *StageStore) key(pipelineID string) string {
	return s.prefix + "stage:" + pipelineID
}

// GetStage loads the stored pointer.
func (s *StageStore) GetStage(ctx context.Context, pipelineID string) (grid.StagePointer, bool, error) {
	raw, err := s.client.Get(ctx, s.key(pipelineID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return grid.StagePointer{}, false, nil
	}
	if err != nil {
		return grid.StagePointer{}, false, fmt.Errorf("get stage pointer: %w", err)
	}
	var ptr grid.StagePointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return grid.StagePointer{}, false, fmt.Errorf("decode stage pointer: %w", err)
	}
	return ptr, true, nil
}

// PutStage overwrites the pointer.
func (s *StageStore) PutStage(ctx context.Context, pipelineID string, ptr grid.StagePointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("encode stage pointer: %w", err)
	}
	if err := s.client.Set(ctx, s.key(pipelineID), data, 0).Err(); err != nil {
		return fmt.Errorf("put stage pointer: %w", err)
	}
	return nil
}
