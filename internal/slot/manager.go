package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ralphd/internal/events"
)

// Store persists slots. InsertWithinCapacity must perform the usage check
// and the insert as one atomic step.
type Store interface {
	// InsertWithinCapacity inserts s if the active weighted usage for its
	// project and category plus s.Weight does not exceed capacity. It
	// returns the usage observed and whether s was inserted.
	InsertWithinCapacity(ctx context.Context, s *Slot, capacity int) (used int, ok bool, err error)
	// ReleaseSlot stamps released_at if the slot is active and returns the
	// released row. It returns nil for an already released slot and
	// ErrNotFound for an unknown one.
	ReleaseSlot(ctx context.Context, id string, at time.Time) (*Slot, error)
	ReleaseAttemptSlots(ctx context.Context, attemptID string, at time.Time) ([]Slot, error)
	ActiveSlots(ctx context.Context, projectID string) ([]Slot, error)
	ActiveSlotsForAttempt(ctx context.Context, attemptID string) ([]Slot, error)
	CapacityOverrides(ctx context.Context, projectID string) (Capacities, error)
	SetCapacityOverrides(ctx context.Context, projectID string, c Capacities) error
}

// Manager grants and releases slots.
type Manager struct {
	store    Store
	defaults Capacities
	emitter  events.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaults replaces the built-in default capacities.
func WithDefaults(c Capacities) Option {
	return func(m *Manager) { m.defaults = DefaultCapacities.Merge(c) }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option { return func(m *Manager) { m.emitter = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, defaults: DefaultCapacities, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.emitter = events.OrNop(m.emitter)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Capacities returns the effective capacities for a project.
func (m *Manager) Capacities(ctx context.Context, projectID string) (Capacities, error) {
	over, err := m.store.CapacityOverrides(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading capacities for %s: %w", projectID, err)
	}
	return m.defaults.Merge(over), nil
}

// SetCapacity stores per-project capacity overrides. Lowering a capacity
// never evicts active slots; it only affects later admissions.
func (m *Manager) SetCapacity(ctx context.Context, projectID string, c Capacities) error {
	for cat, n := range c {
		if _, err := ParseCategory(string(cat)); err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("capacity for %s must not be negative, got %d", cat, n)
		}
	}
	return m.store.SetCapacityOverrides(ctx, projectID, c)
}

// Acquire grants a slot or returns a *RejectedError. It never blocks
// waiting for capacity.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Slot, error) {
	if req.ProjectID == "" {
		return nil, errors.New("acquire: project id is required")
	}
	if _, err := ParseCategory(string(req.Category)); err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if req.Weight == 0 {
		req.Weight = 1
	}
	if req.Weight < 0 {
		return nil, fmt.Errorf("acquire: weight must be positive, got %d", req.Weight)
	}

	caps, err := m.Capacities(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	capacity := caps[req.Category]

	s := &Slot{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		AttemptID:  req.AttemptID,
		Category:   req.Category,
		Weight:     req.Weight,
		AcquiredAt: m.now(),
	}
	used, ok, err := m.store.InsertWithinCapacity(ctx, s, capacity)
	if err != nil {
		return nil, fmt.Errorf("acquire %s slot for %s: %w", req.Category, req.ProjectID, err)
	}
	if !ok {
		rej := &RejectedError{
			ProjectID: req.ProjectID,
			Category:  req.Category,
			Used:      used,
			Requested: req.Weight,
			Capacity:  capacity,
		}
		m.emitter.Emit(events.Event{
			Kind:    events.SlotRejected,
			Message: rej.Error(),
			Attrs: map[string]string{
				"project":  req.ProjectID,
				"category": string(req.Category),
				"attempt":  req.AttemptID,
			},
		})
		return nil, rej
	}

	m.logger.Debug("slot acquired", "slot", s.ID, "project", s.ProjectID, "category", s.Category, "weight", s.Weight)
	m.emitter.Emit(events.Event{
		Kind:      events.SlotAcquired,
		Timestamp: s.AcquiredAt,
		Attrs:     slotAttrs(s, used+s.Weight, capacity),
	})
	return s, nil
}

// Release frees a slot. Releasing an already released slot is a no-op.
func (m *Manager) Release(ctx context.Context, slotID string) error {
	at := m.now()
	s, err := m.store.ReleaseSlot(ctx, slotID, at)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", slotID, err)
	}
	if s == nil {
		return nil
	}
	m.logger.Debug("slot released", "slot", slotID, "project", s.ProjectID)
	m.emitter.Emit(events.Event{Kind: events.SlotReleased, Timestamp: at, Attrs: slotAttrs(s, -1, -1)})
	return nil
}

// ReleaseAllForAttempt frees every active slot held by an attempt and
// returns how many were released.
func (m *Manager) ReleaseAllForAttempt(ctx context.Context, attemptID string) (int, error) {
	at := m.now()
	released, err := m.store.ReleaseAttemptSlots(ctx, attemptID, at)
	if err != nil {
		return 0, fmt.Errorf("release slots for attempt %s: %w", attemptID, err)
	}
	for i := range released {
		m.emitter.Emit(events.Event{Kind: events.SlotReleased, Timestamp: at, Attrs: slotAttrs(&released[i], -1, -1)})
	}
	return len(released), nil
}

// ActiveForAttempt returns the attempt's active slots.
func (m *Manager) ActiveForAttempt(ctx context.Context, attemptID string) ([]Slot, error) {
	return m.store.ActiveSlotsForAttempt(ctx, attemptID)
}

// Capacity reports per-category capacity and usage for a project.
func (m *Manager) Capacity(ctx context.Context, projectID string) (*ProjectCapacity, error) {
	caps, err := m.Capacities(ctx, projectID)
	if err != nil {
		return nil, err
	}
	active, err := m.store.ActiveSlots(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing active slots for %s: %w", projectID, err)
	}
	report := &ProjectCapacity{ProjectID: projectID}
	for _, cat := range Categories {
		u := CategoryUsage{Category: cat, Capacity: caps[cat]}
		for _, s := range active {
			if s.Category == cat {
				u.Used += s.Weight
				u.Active++
			}
		}
		u.Available = max(0, u.Capacity-u.Used)
		report.Categories = append(report.Categories, u)
	}
	return report, nil
}

func slotAttrs(s *Slot, used, capacity int) map[string]string {
	attrs := map[string]string{
		"slot":     s.ID,
		"project":  s.ProjectID,
		"attempt":  s.AttemptID,
		"category": string(s.Category),
		"weight":   strconv.Itoa(s.Weight),
	}
	if used >= 0 {
		attrs["used"] = strconv.Itoa(used)
	}
	if capacity >= 0 {
		attrs["capacity"] = strconv.Itoa(capacity)
	}
	return attrs
}
