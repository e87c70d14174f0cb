// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// StageStore keeps stage pointers in a map.
type StageStore struct {
	mu       sync.RWMutex
	pointers map[string]grid.StagePointer
}

// NewStageStore constructs a StageStore.
func NewStageStore() *StageStore {
	return &StageStore{
		pointers: make(map[string]grid.StagePointer),
	}
}

// GetStage returns the stored pointer.
func (s *StageStore) GetStage(_ context.Context, pipelineID string) (grid.StagePointer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ptr, ok := s.pointers[pipelineID]
	return ptr, ok, nil
}

// PutStage overwrites the pointer.
func (s *StageStore) PutStage(_ context.Context, pipelineID string, ptr grid.StagePointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[pipelineID] = ptr
	return nil
}

