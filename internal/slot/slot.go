// Package slot implements admission control for executions: each project
// has a weighted capacity per slot category, and Acquire either grants a
// slot or rejects the request immediately. Nothing here queues.
package slot

import (
	"errors"
	"fmt"
	"time"

	"ralphd/internal/jsonutil"
)

// Category is the kind of execution unit a slot admits.
type Category string

const (
	InteractiveAgent Category = "interactive_agent"
	BrowserAgent     Category = "browser_agent"
	Script           Category = "script"
)

// Categories lists every category in display order.
var Categories = []Category{InteractiveAgent, BrowserAgent, Script}

// String implements fmt.Stringer.
func (c Category) String() string { return string(c) }

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", jsonutil.ParseEnumError("slot category", s)
}

// Capacities maps a category to its maximum weighted usage.
type Capacities map[Category]int

// DefaultCapacities apply to projects without an override.
var DefaultCapacities = Capacities{
	InteractiveAgent: 3,
	BrowserAgent:     1,
	Script:           3,
}

// Merge returns c with every category set in over replaced.
func (c Capacities) Merge(over Capacities) Capacities {
	out := make(Capacities, len(c)+len(over))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Slot is one admitted unit of execution. A slot with a nil ReleasedAt is
// active. Slots are never deleted.
type Slot struct {
	ID         string
	ProjectID  string
	AttemptID  string
	Category   Category
	Weight     int
	AcquiredAt time.Time
	ReleasedAt *time.Time
}

// Active reports whether s still holds capacity.
func (s *Slot) Active() bool { return s.ReleasedAt == nil }

// Request asks for a slot.
type Request struct {
	ProjectID string
	AttemptID string
	Category  Category
	Weight    int
}

var (
	// ErrCapacityExceeded is wrapped by every *RejectedError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotFound is returned for an unknown slot.
	ErrNotFound = errors.New("slot not found")
)

// RejectedError reports an admission rejection.
type RejectedError struct {
	ProjectID string
	Category  Category
	Used      int
	Requested int
	Capacity  int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("project %s: %s capacity exceeded (used %d + requested %d > capacity %d)",
		e.ProjectID, e.Category, e.Used, e.Requested, e.Capacity)
}

// Unwrap returns ErrCapacityExceeded.
func (e *RejectedError) Unwrap() error { return ErrCapacityExceeded }

// CategoryUsage is one row of a capacity report.
type CategoryUsage struct {
	Category  Category
	Capacity  int
	Used      int // weighted
	Active    int // slot count
	Available int
}

// ProjectCapacity is the capacity report for one project.
type ProjectCapacity struct {
	ProjectID  string
	Categories []CategoryUsage
}

// For returns the usage row for c.
func (p *ProjectCapacity) For(c Category) CategoryUsage {
	for _, u := range p.Categories {
		if u.Category == c {
			return u
		}
	}
	return CategoryUsage{Category: c}
}
