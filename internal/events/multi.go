package events

// Multi fans events out to several emitters. One emitter panicking does
// not stop delivery to the rest.
type Multi struct {
	emitters []Emitter
}

var _ Emitter = (*Multi)(nil)

// NewMulti returns a Multi over the non-nil emitters given.
func NewMulti(emitters ...Emitter) *Multi {
	filtered := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return &Multi{emitters: filtered}
}

func safeCall(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// Emit forwards ev to every emitter.
func (m *Multi) Emit(ev Event) {
	for _, e := range m.emitters {
		safeCall(func() { e.Emit(ev) })
	}
}
