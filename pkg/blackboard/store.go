package blackboard

import (
	"fmt"
	"sort"
	"sync"
)

// Store is an in-process blackboard.
// It is safe for concurrent use. Writers run on their own goroutines and the
// observation callback is invoked synchronously on the writing goroutine,
// never while a Store lock is held.
type Store struct {
	mu      sync.RWMutex
	vars    map[VID]*Variable
	byName  map[string]VID
	nextVID VID

	obs *observations
}

// NewStore creates an empty store. VIDs are assigned starting at 1.
func NewStore() *Store {
	return &Store{
		vars:    make(map[VID]*Variable),
		byName:  make(map[string]VID),
		nextVID: 1,
		obs:     newObservations(),
	}
}

// Add registers a variable and returns its VID.
// If a variable with the same name already exists its VID is returned and the
// stored properties are left untouched.
func (s *Store) Add(v *Variable) (VID, error) {
	if err := v.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if vid, ok := s.byName[v.Name]; ok {
		s.mu.Unlock()
		return vid, nil
	}
	stored := *v
	stored.ApplyDefaults()
	stored.VID = s.nextVID
	s.nextVID++
	s.vars[stored.VID] = &stored
	s.byName[stored.Name] = stored.VID
	s.mu.Unlock()

	s.obs.fire(stored.VID, ObserveAddVariable)
	return stored.VID, nil
}

// Remove deletes a variable and drops its observation registration.
func (s *Store) Remove(vid VID) error {
	s.mu.Lock()
	v, ok := s.vars[vid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: vid %d", ErrUnknownVariable, vid)
	}
	delete(s.vars, vid)
	delete(s.byName, v.Name)
	s.mu.Unlock()

	// Subscribers of this variable still get the removal before the
	// registration disappears.
	s.obs.fire(vid, ObserveRemoveVariable)
	s.obs.forget(vid)
	return nil
}

// Get returns a copy of the variable.
func (s *Store) Get(vid VID) (Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[vid]
	if !ok {
		return Variable{}, fmt.Errorf("%w: vid %d", ErrUnknownVariable, vid)
	}
	return *v, nil
}

// Lookup returns the VID of the named variable.
func (s *Store) Lookup(name string) (VID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vid, ok := s.byName[name]
	return vid, ok
}

// IDs returns all VIDs in ascending order.
func (s *Store) IDs() []VID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idsLocked()
}

func (s *Store) idsLocked() []VID {
	ids := make([]VID, 0, len(s.vars))
	for vid := range s.vars {
		ids = append(ids, vid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Write sets the value of a variable. Observers are notified only when the
// value actually changes.
func (s *Store) Write(vid VID, value float64) error {
	s.mu.Lock()
	v, ok := s.vars[vid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: vid %d", ErrUnknownVariable, vid)
	}
	changed := v.Value != value
	v.Value = value
	s.mu.Unlock()

	if changed {
		s.obs.fire(vid, ObserveValueChanged)
	}
	return nil
}

// Update applies fn to a copy of the variable, validates the result and
// stores it. Observers receive the flags of every property that changed.
// VID and Name cannot be changed through Update.
func (s *Store) Update(vid VID, fn func(v *Variable)) error {
	s.mu.Lock()
	cur, ok := s.vars[vid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: vid %d", ErrUnknownVariable, vid)
	}
	next := *cur
	fn(&next)
	next.VID = cur.VID
	next.Name = cur.Name
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	next.ApplyDefaults()
	changed := ChangedFlags(cur, &next)
	*cur = next
	s.mu.Unlock()

	if changed != 0 {
		s.obs.fire(vid, changed)
	}
	return nil
}

// SetVariableObservation arms or disarms observation of one variable.
// See the package documentation for the RESET semantics.
func (s *Store) SetVariableObservation(vid VID, flags ObservationFlags, data uint32) error {
	s.mu.RLock()
	_, ok := s.vars[vid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: vid %d", ErrUnknownVariable, vid)
	}
	s.obs.armVariable(vid, flags, data)
	return nil
}

// SetGlobalObservation arms or disarms whole-table observation and returns
// the VIDs that exist at the time of the call.
func (s *Store) SetGlobalObservation(flags ObservationFlags, data uint32) ([]VID, error) {
	// Arming under the read lock keeps Add/Remove out until the snapshot is
	// taken, so every variable is either in the snapshot or notified later.
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.obs.armGlobal(flags, data)
	return s.idsLocked(), nil
}

// SetObservationCallback installs the single observation callback.
// Passing nil uninstalls it.
func (s *Store) SetObservationCallback(cb ObservationCallback) {
	s.obs.setCallback(cb)
}

// Observation returns the mask and opaque index currently armed for vid.
func (s *Store) Observation(vid VID) (ObservationFlags, uint32) {
	return s.obs.variableArm(vid)
}

// GlobalObservation returns the currently armed whole-table mask and index.
func (s *Store) GlobalObservation() (ObservationFlags, uint32) {
	return s.obs.globalArm()
}
