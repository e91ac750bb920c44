package chatlog

// Tally counts classified lines per event type, plus NoMatch.
// The zero value is not usable; use NewTally.
type Tally struct {
	counts map[EventType]int
}

// NewTally returns a tally with every registry type and NoMatch seeded at zero.
func NewTally(r *Registry) *Tally {
	if r == nil {
		r = DefaultRegistry()
	}
	t := &Tally{counts: make(map[EventType]int, r.Len()+1)}
	for _, typ := range r.Types() {
		t.counts[typ] = 0
	}
	t.counts[NoMatch] = 0
	return t
}

// Add records one outcome of type typ.
func (t *Tally) Add(typ EventType) { t.counts[typ]++ }

// Count returns the count for typ.
func (t *Tally) Count(typ EventType) int { return t.counts[typ] }

// Total returns the sum over all types, including NoMatch.
func (t *Tally) Total() int {
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// Counts returns a copy keyed by type name.
func (t *Tally) Counts() map[string]int {
	out := make(map[string]int, len(t.counts))
	for typ, c := range t.counts {
		out[string(typ)] = c
	}
	return out
}
