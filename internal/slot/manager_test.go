package slot_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphd/internal/events"
	"ralphd/internal/slot"
	"ralphd/internal/store"
)

func newManager(t *testing.T, opts ...slot.Option) (*slot.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "slots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return slot.NewManager(st, opts...), st
}

func TestAcquire_ConcurrentNeverExceedsCapacity(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.SetCapacity(ctx, "proj", slot.Capacities{slot.InteractiveAgent: 3}))

	const attempts = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Acquire(ctx, slot.Request{ProjectID: "proj", AttemptID: "att", Category: slot.InteractiveAgent})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, slot.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	assert.Equal(t, attempts-3, rejected)

	active, err := st.ActiveSlots(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestAcquire_RejectionDetails(t *testing.T) {
	rec := &events.Recorder{}
	m, _ := newManager(t, slot.WithEmitter(rec))
	ctx := context.Background()

	_, err := m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "a1", Category: slot.BrowserAgent})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "a2", Category: slot.BrowserAgent})
	var rej *slot.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 1, rej.Used)
	assert.Equal(t, 1, rej.Capacity)
	assert.Len(t, rec.OfKind(events.SlotRejected), 1)
	assert.Len(t, rec.OfKind(events.SlotAcquired), 1)

	_, err = m.Acquire(ctx, slot.Request{ProjectID: "other", AttemptID: "a3", Category: slot.BrowserAgent})
	assert.NoError(t, err, "capacity is per project")
}

func TestAcquire_Weighted(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "big", Category: slot.Script, Weight: 2})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "too-big", Category: slot.Script, Weight: 2})
	assert.ErrorIs(t, err, slot.ErrCapacityExceeded)
	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "fits", Category: slot.Script})
	assert.NoError(t, err)

	report, err := m.Capacity(ctx, "p")
	require.NoError(t, err)
	u := report.For(slot.Script)
	assert.Equal(t, 3, u.Used)
	assert.Equal(t, 2, u.Active)
	assert.Equal(t, 0, u.Available)
}

func TestAcquire_InvalidRequests(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, slot.Request{AttemptID: "a", Category: slot.Script})
	assert.Error(t, err)
	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "a", Category: "gpu"})
	assert.Error(t, err)
	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "a", Category: slot.Script, Weight: -1})
	assert.Error(t, err)
}

func TestRelease_Idempotent(t *testing.T) {
	rec := &events.Recorder{}
	m, _ := newManager(t, slot.WithEmitter(rec))
	ctx := context.Background()

	s, err := m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "a", Category: slot.BrowserAgent})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, s.ID))
	require.NoError(t, m.Release(ctx, s.ID))
	assert.Len(t, rec.OfKind(events.SlotReleased), 1)

	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "b", Category: slot.BrowserAgent})
	assert.NoError(t, err, "released capacity is reusable")

	assert.ErrorIs(t, m.Release(ctx, "missing"), slot.ErrNotFound)
}

func TestRelease_EventCarriesReleasedSlot(t *testing.T) {
	rec := &events.Recorder{}
	m, _ := newManager(t, slot.WithEmitter(rec))
	ctx := context.Background()

	s, err := m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "att-7", Category: slot.Script, Weight: 2})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, s.ID))

	released := rec.OfKind(events.SlotReleased)
	require.Len(t, released, 1)
	assert.Equal(t, s.ID, released[0].Attrs["slot"])
	assert.Equal(t, "p", released[0].Attrs["project"])
	assert.Equal(t, "att-7", released[0].Attrs["attempt"])
	assert.Equal(t, "2", released[0].Attrs["weight"])
}

func TestReleaseAllForAttempt(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	for _, cat := range []slot.Category{slot.InteractiveAgent, slot.Script} {
		_, err := m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "att", Category: cat})
		require.NoError(t, err)
	}

	n, err := m.ReleaseAllForAttempt(ctx, "att")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := m.ActiveForAttempt(ctx, "att")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCapacities_Overrides(t *testing.T) {
	m, _ := newManager(t, slot.WithDefaults(slot.Capacities{slot.Script: 10}))
	ctx := context.Background()

	caps, err := m.Capacities(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 10, caps[slot.Script])
	assert.Equal(t, slot.DefaultCapacities[slot.InteractiveAgent], caps[slot.InteractiveAgent])

	require.NoError(t, m.SetCapacity(ctx, "p", slot.Capacities{slot.InteractiveAgent: 0}))
	_, err = m.Acquire(ctx, slot.Request{ProjectID: "p", AttemptID: "a", Category: slot.InteractiveAgent})
	assert.ErrorIs(t, err, slot.ErrCapacityExceeded)

	assert.Error(t, m.SetCapacity(ctx, "p", slot.Capacities{slot.Script: -1}))
}
