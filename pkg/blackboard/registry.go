package blackboard

import "sync"

// armState is what a store remembers for one observation registration.
type armState struct {
	flags ObservationFlags
	data  uint32
}

// apply folds an arm call into s. RESET replaces the mask; otherwise flags are
// OR-ed in. An empty result is fully disarmed.
func (s armState) apply(flags ObservationFlags, data uint32) armState {
	if flags.Overlaps(ObserveResetFlags) {
		s.flags = flags.Without(ObserveResetFlags)
	} else {
		s.flags |= flags
	}
	if s.flags == 0 {
		return armState{data: NoObservationData}
	}
	s.data = data
	return s
}

// observations is the store-side half of the registration bridge: the masks and
// opaque indices armed by the dispatch table plus the single callback.
// Both Store and Client embed one.
type observations struct {
	mu       sync.RWMutex
	perVar   map[VID]armState
	global   armState
	callback ObservationCallback
}

func newObservations() *observations {
	return &observations{
		perVar: make(map[VID]armState),
		global: armState{data: NoObservationData},
	}
}

func (o *observations) armVariable(vid VID, flags ObservationFlags, data uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := o.perVar[vid].apply(flags, data)
	if next.flags == 0 {
		delete(o.perVar, vid)
		return
	}
	o.perVar[vid] = next
}

func (o *observations) armGlobal(flags ObservationFlags, data uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.global = o.global.apply(flags, data)
}

func (o *observations) forget(vid VID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.perVar, vid)
}

func (o *observations) setCallback(cb ObservationCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callback = cb
}

// variableArm returns the current registration for vid, for inspection.
func (o *observations) variableArm(vid VID) (ObservationFlags, uint32) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.perVar[vid]
	if !ok {
		return 0, NoObservationData
	}
	return st.flags, st.data
}

func (o *observations) globalArm() (ObservationFlags, uint32) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.global.flags, o.global.data
}

// fire reports one change of vid. The callback runs on the caller's goroutine
// after the registry lock is released, so it may re-arm observations.
func (o *observations) fire(vid VID, changed ObservationFlags) {
	changed = changed.Without(ObserveResetFlags)

	o.mu.RLock()
	st, armed := o.perVar[vid]
	globalFlags := o.global.flags
	cb := o.callback
	o.mu.RUnlock()

	if cb == nil {
		return
	}
	fired := (st.flags | globalFlags) & changed
	if fired == 0 {
		return
	}

	data := NoObservationData
	if armed {
		data = st.data
	}
	cb(vid, fired, data)
}
