package observer

import "github.com/xilenv/bbwatch/pkg/blackboard"

// Tokens are the opaque indices handed to the store. The low slotBits bits
// select a slot, the rest is the slot's generation at arm time. A slot keeps
// its position for its whole life, so a token never silently starts pointing
// at a different entry: freeing a slot bumps its generation.
const (
	slotBits = 20
	slotMask = 1<<slotBits - 1
	genMask  = 1<<(32-slotBits) - 1

	// maxSlots leaves index slotMask unused so that NoObservationData
	// can never decode to a live slot.
	maxSlots = slotMask
)

func makeToken(index, gen uint32) uint32 {
	return (gen&genMask)<<slotBits | index&slotMask
}

func splitToken(token uint32) (index, gen uint32) {
	return token & slotMask, token >> slotBits
}

// pair is one subscriber's interest in an entry.
type pair struct {
	handle *Handle
	flags  blackboard.ObservationFlags
}

// entry aggregates all subscribers of one variable.
// flags is always the OR of pairs[*].flags.
type entry struct {
	vid   blackboard.VID
	flags blackboard.ObservationFlags
	pairs []pair
}

func (e *entry) recompute() {
	var f blackboard.ObservationFlags
	for _, p := range e.pairs {
		f |= p.flags
	}
	e.flags = f
}

// remove drops every pair of h and reports whether one was found.
func (e *entry) remove(h *Handle) bool {
	kept := e.pairs[:0]
	found := false
	for _, p := range e.pairs {
		if p.handle == h {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	// Clear the tail so removed handles can be collected
	for i := len(kept); i < len(e.pairs); i++ {
		e.pairs[i] = pair{}
	}
	e.pairs = kept
	return found
}

type slot struct {
	gen   uint32
	live  bool
	entry entry
}

// arena owns all entries. Indices are stable; freed indices are reused LIFO.
type arena struct {
	slots []slot
	free  []uint32
}

func (a *arena) alloc(vid blackboard.VID) (uint32, bool) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if len(a.slots) >= maxSlots {
			return 0, false
		}
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[idx]
	s.live = true
	s.entry = entry{vid: vid}
	return idx, true
}

func (a *arena) release(idx uint32) {
	s := &a.slots[idx]
	s.live = false
	s.gen = (s.gen + 1) & genMask
	s.entry = entry{}
	a.free = append(a.free, idx)
}

func (a *arena) token(idx uint32) uint32 {
	return makeToken(idx, a.slots[idx].gen)
}

// resolve returns the live entry a token refers to, or nil if the token is
// out of range, freed, or from an earlier generation.
func (a *arena) resolve(token uint32) *entry {
	idx, gen := splitToken(token)
	if idx >= uint32(len(a.slots)) {
		return nil
	}
	s := &a.slots[idx]
	if !s.live || s.gen != gen {
		return nil
	}
	return &s.entry
}
