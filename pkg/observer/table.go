package observer

import (
	"errors"
	"log"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

// Registrar is the store side of observation: the calls the table makes to
// arm or disarm a variable or the whole table, and the hook that installs the
// table's Notify as the store's single callback.
//
// blackboard.Store and blackboard.Client implement Registrar. Implementations
// must not invoke the callback while holding a lock that SetVariableObservation
// or SetGlobalObservation also takes.
type Registrar interface {
	SetVariableObservation(vid blackboard.VID, flags blackboard.ObservationFlags, data uint32) error
	SetGlobalObservation(flags blackboard.ObservationFlags, data uint32) ([]blackboard.VID, error)
	SetObservationCallback(cb blackboard.ObservationCallback)
}

// Stats is a point-in-time view of the table.
type Stats struct {
	Handles       int    `json:"handles"`       // connected handles
	Entries       int    `json:"entries"`       // variables with at least one subscriber
	Globals       int    `json:"globals"`       // whole-table subscribers
	Notifications uint64 `json:"notifications"` // Notify calls received
	Deliveries    uint64 `json:"deliveries"`    // receiver invocations
	StaleDrops    uint64 `json:"stale_drops"`   // Notify calls whose index no longer matched the variable
}

// Table is the dispatch table: the only owner of subscription state and the
// only caller of the Registrar. One Table serves one store for the lifetime
// of the process; create it with NewTable, call Start once the store exists
// and Stop before the store goes away.
//
// A single mutex guards all state. Notify forwards to receivers while holding
// it, so receivers must return quickly and must not call back into the table.
type Table struct {
	mu        sync.Mutex
	registrar Registrar

	handles mapset.Set[*Handle]
	arena   arena
	byVID   map[blackboard.VID]uint32

	globals     []pair
	globalFlags blackboard.ObservationFlags

	notifications uint64
	deliveries    uint64
	staleDrops    uint64
}

// NewTable creates a dispatch table that arms observations on r.
// A nil Registrar yields a table that only does bookkeeping.
func NewTable(r Registrar) *Table {
	if r == nil {
		r = nopRegistrar{}
	}
	return &Table{
		registrar: r,
		handles:   mapset.NewThreadUnsafeSet[*Handle](),
		byVID:     make(map[blackboard.VID]uint32),
	}
}

// Start installs Notify as the store's observation callback.
func (t *Table) Start() {
	t.registrar.SetObservationCallback(t.Notify)
	log.Printf("[Observer] Dispatch started")
}

// Stop uninstalls the observation callback. Subscriptions are kept.
func (t *Table) Stop() {
	t.registrar.SetObservationCallback(nil)
	log.Printf("[Observer] Dispatch stopped")
}

// Connect makes h known to the table. Subscriptions for handles that were
// never connected, or were disconnected, are ignored.
func (t *Table) Connect(h *Handle) {
	if h == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles.Add(h)
}

// Disconnect forgets h and removes every subscription it holds, disarming
// variables left without subscribers.
func (t *Table) Disconnect(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.handles.Contains(h) {
		return
	}
	t.handles.Remove(h)

	for idx := range t.arena.slots {
		if !t.arena.slots[idx].live {
			continue
		}
		t.dropPairLocked(uint32(idx), h)
	}
	if t.dropGlobalLocked(h) {
		t.armGlobalLocked()
	}
}

// SubscribeVariable adds flags to h's interest in vid, creating the variable's
// entry on first use, and re-arms the variable with the new union.
// Zero flags are ignored; the RESET pseudo-flag is never part of a request.
func (t *Table) SubscribeVariable(h *Handle, vid blackboard.VID, flags blackboard.ObservationFlags) {
	flags = flags.Without(blackboard.ObserveResetFlags)
	if flags == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.handles.Contains(h) {
		return
	}

	idx, ok := t.byVID[vid]
	if !ok {
		idx, ok = t.arena.alloc(vid)
		if !ok {
			log.Printf("[Observer] Entry limit reached, not observing vid %d", vid)
			return
		}
		t.byVID[vid] = idx
	}

	e := &t.arena.slots[idx].entry
	merged := false
	for i := range e.pairs {
		if e.pairs[i].handle == h {
			e.pairs[i].flags |= flags
			merged = true
			break
		}
	}
	if !merged {
		e.pairs = append(e.pairs, pair{handle: h, flags: flags})
	}
	e.recompute()
	t.armLocked(idx)
}

// UnsubscribeVariable removes h's interest in vid. The variable is re-armed
// with the remaining union, or disarmed when no subscriber is left.
func (t *Table) UnsubscribeVariable(h *Handle, vid blackboard.VID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.handles.Contains(h) {
		return
	}
	idx, ok := t.byVID[vid]
	if !ok {
		return
	}
	t.dropPairLocked(idx, h)
}

// SubscribeGlobal adds h to the whole-table subscribers, or replaces its flags
// if it is already one, re-arms whole-table observation and returns the VIDs
// the store reports.
func (t *Table) SubscribeGlobal(h *Handle, flags blackboard.ObservationFlags) []blackboard.VID {
	flags = flags.Without(blackboard.ObserveResetFlags)
	if flags == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.handles.Contains(h) {
		return nil
	}

	found := false
	for i := range t.globals {
		if t.globals[i].handle == h {
			t.globals[i].flags = flags
			found = true
			break
		}
	}
	if !found {
		t.globals = append(t.globals, pair{handle: h, flags: flags})
	}
	return t.armGlobalLocked()
}

// UnsubscribeGlobal removes h from the whole-table subscribers.
func (t *Table) UnsubscribeGlobal(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.handles.Contains(h) {
		return
	}
	if t.dropGlobalLocked(h) {
		t.armGlobalLocked()
	}
}

// Notify is the store's observation callback. It forwards (vid, fired) to
// every whole-table subscriber whose flags overlap fired, then uses data to
// find the variable's entry directly and forwards to its matching
// subscribers in subscription order. A data value that no longer refers to
// an entry for vid is dropped.
func (t *Table) Notify(vid blackboard.VID, fired blackboard.ObservationFlags, data uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.notifications++

	for _, g := range t.globals {
		if g.flags.Overlaps(fired) {
			g.handle.deliver(vid, fired)
			t.deliveries++
		}
	}

	if data == blackboard.NoObservationData {
		return
	}
	e := t.arena.resolve(data)
	if e == nil || e.vid != vid {
		t.staleDrops++
		return
	}
	for _, p := range e.pairs {
		if p.flags.Overlaps(fired) {
			p.handle.deliver(vid, fired)
			t.deliveries++
		}
	}
}

// dropPairLocked removes h from the entry at idx and re-arms or disarms it.
func (t *Table) dropPairLocked(idx uint32, h *Handle) {
	e := &t.arena.slots[idx].entry
	if !e.remove(h) {
		return
	}
	before := e.flags
	e.recompute()

	if len(e.pairs) == 0 {
		t.disarmLocked(idx)
		return
	}
	if e.flags != before {
		t.armLocked(idx)
	}
}

func (t *Table) armLocked(idx uint32) {
	e := &t.arena.slots[idx].entry
	err := t.registrar.SetVariableObservation(e.vid, e.flags|blackboard.ObserveResetFlags, t.arena.token(idx))
	if err != nil {
		log.Printf("[Observer] Failed to arm vid %d: %v", e.vid, err)
	}
}

// disarmLocked clears the store's registration for the entry at idx before
// the slot is released, so the slot can never be reused while the store
// still holds its old token.
func (t *Table) disarmLocked(idx uint32) {
	vid := t.arena.slots[idx].entry.vid
	err := t.registrar.SetVariableObservation(vid, blackboard.ObserveResetFlags, blackboard.NoObservationData)
	if err != nil && !errors.Is(err, blackboard.ErrUnknownVariable) {
		log.Printf("[Observer] Failed to disarm vid %d: %v", vid, err)
	}
	delete(t.byVID, vid)
	t.arena.release(idx)
}

func (t *Table) dropGlobalLocked(h *Handle) bool {
	for i, g := range t.globals {
		if g.handle == h {
			t.globals = append(t.globals[:i], t.globals[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Table) armGlobalLocked() []blackboard.VID {
	var f blackboard.ObservationFlags
	for _, g := range t.globals {
		f |= g.flags
	}
	t.globalFlags = f

	vids, err := t.registrar.SetGlobalObservation(f|blackboard.ObserveResetFlags, blackboard.NoObservationData)
	if err != nil {
		log.Printf("[Observer] Failed to arm global observation: %v", err)
	}
	return vids
}

// SubscriberInfo describes one subscriber of an entry.
type SubscriberInfo struct {
	HandleID string
	Flags    blackboard.ObservationFlags
}

// EntryInfo describes the aggregate entry of one variable.
type EntryInfo struct {
	VID         blackboard.VID
	Flags       blackboard.ObservationFlags
	Token       uint32
	Subscribers []SubscriberInfo
}

// Entry returns the aggregate entry for vid, if any handle observes it.
func (t *Table) Entry(vid blackboard.VID) (EntryInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byVID[vid]
	if !ok {
		return EntryInfo{}, false
	}
	return t.entryInfoLocked(idx), true
}

// Entries returns all aggregate entries ordered by VID.
func (t *Table) Entries() []EntryInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]EntryInfo, 0, len(t.byVID))
	for _, idx := range t.byVID {
		infos = append(infos, t.entryInfoLocked(idx))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].VID < infos[j].VID })
	return infos
}

func (t *Table) entryInfoLocked(idx uint32) EntryInfo {
	e := &t.arena.slots[idx].entry
	subs := make([]SubscriberInfo, len(e.pairs))
	for i, p := range e.pairs {
		subs[i] = SubscriberInfo{HandleID: p.handle.ID(), Flags: p.flags}
	}
	return EntryInfo{
		VID:         e.vid,
		Flags:       e.flags,
		Token:       t.arena.token(idx),
		Subscribers: subs,
	}
}

// GlobalFlags returns the union of all whole-table subscriptions.
func (t *Table) GlobalFlags() blackboard.ObservationFlags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalFlags
}

// Stats returns counters and sizes.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Handles:       t.handles.Cardinality(),
		Entries:       len(t.byVID),
		Globals:       len(t.globals),
		Notifications: t.notifications,
		Deliveries:    t.deliveries,
		StaleDrops:    t.staleDrops,
	}
}

type nopRegistrar struct{}

func (nopRegistrar) SetVariableObservation(blackboard.VID, blackboard.ObservationFlags, uint32) error {
	return nil
}

func (nopRegistrar) SetGlobalObservation(blackboard.ObservationFlags, uint32) ([]blackboard.VID, error) {
	return nil, nil
}

func (nopRegistrar) SetObservationCallback(blackboard.ObservationCallback) {}
