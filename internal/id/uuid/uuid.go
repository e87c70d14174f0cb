// Package uuid provides ID generation for runs and task dispatches.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

var _ grid.IDGenerator = Generator{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
