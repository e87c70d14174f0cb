// Package system adapts the wall clock to grid.Clock.
package system

import (
	"time"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// Clock reports UTC wall time.
type Clock struct{}

var _ grid.Clock = Clock{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now implements grid.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
