package observer

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

type armCall struct {
	vid   blackboard.VID
	flags blackboard.ObservationFlags
	data  uint32
}

// fakeRegistrar records every arm call the table makes.
type fakeRegistrar struct {
	mu          sync.Mutex
	calls       []armCall
	globalCalls []armCall
	snapshot    []blackboard.VID
	callback    blackboard.ObservationCallback
}

func (r *fakeRegistrar) SetVariableObservation(vid blackboard.VID, flags blackboard.ObservationFlags, data uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, armCall{vid: vid, flags: flags, data: data})
	return nil
}

func (r *fakeRegistrar) SetGlobalObservation(flags blackboard.ObservationFlags, data uint32) ([]blackboard.VID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalCalls = append(r.globalCalls, armCall{flags: flags, data: data})
	return r.snapshot, nil
}

func (r *fakeRegistrar) SetObservationCallback(cb blackboard.ObservationCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

func (r *fakeRegistrar) lastCall(t *testing.T) armCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.calls)
	return r.calls[len(r.calls)-1]
}

func (r *fakeRegistrar) lastGlobalCall(t *testing.T) armCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.globalCalls)
	return r.globalCalls[len(r.globalCalls)-1]
}

func (r *fakeRegistrar) callsFor(vid blackboard.VID) []armCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []armCall
	for _, c := range r.calls {
		if c.vid == vid {
			out = append(out, c)
		}
	}
	return out
}

type change struct {
	vid   blackboard.VID
	flags blackboard.ObservationFlags
}

// recorder is a Receiver that keeps everything it is given.
type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) VariableChanged(vid blackboard.VID, flags blackboard.ObservationFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{vid: vid, flags: flags})
}

func (r *recorder) got() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change(nil), r.changes...)
}

const reset = blackboard.ObserveResetFlags

func TestSubscribeVariableAggregatesFlags(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	a := NewHandle(table, nil)
	b := NewHandle(table, nil)

	a.Watch(5, 0x1)
	b.Watch(5, 0x2)

	info, ok := table.Entry(5)
	require.True(t, ok)
	assert.Equal(t, blackboard.ObservationFlags(0x3), info.Flags)
	assert.Len(t, info.Subscribers, 2)
	assert.Equal(t, armCall{vid: 5, flags: 0x3 | reset, data: info.Token}, reg.lastCall(t))

	a.Unwatch(5)
	info, ok = table.Entry(5)
	require.True(t, ok, "entry must survive while b still watches")
	assert.Equal(t, blackboard.ObservationFlags(0x2), info.Flags)
	assert.Equal(t, armCall{vid: 5, flags: 0x2 | reset, data: info.Token}, reg.lastCall(t))

	b.Unwatch(5)
	_, ok = table.Entry(5)
	assert.False(t, ok)
	assert.Equal(t, armCall{vid: 5, flags: reset, data: blackboard.NoObservationData}, reg.lastCall(t))
}

func TestGlobalSubscriberReceivesWithoutEntry(t *testing.T) {
	table := NewTable(&fakeRegistrar{})
	globalRec := &recorder{}
	varRec := &recorder{}

	c := NewHandle(table, globalRec)
	v := NewHandle(table, varRec)
	c.WatchAll(0x4)
	v.Watch(7, 0x4)

	table.Notify(99, 0x4, blackboard.NoObservationData)

	assert.Equal(t, []change{{vid: 99, flags: 0x4}}, globalRec.got())
	assert.Empty(t, varRec.got())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	h := NewHandle(table, nil)

	h.Watch(3, blackboard.ObserveValueChanged)
	once, _ := table.Entry(3)
	h.Watch(3, blackboard.ObserveValueChanged)
	twice, _ := table.Entry(3)

	assert.Equal(t, once.Flags, twice.Flags)
	assert.Len(t, twice.Subscribers, 1, "re-subscribing must merge, not append")

	h.Watch(3, blackboard.ObserveUnitChanged)
	merged, _ := table.Entry(3)
	assert.Equal(t, blackboard.ObserveValueChanged|blackboard.ObserveUnitChanged, merged.Flags)
	require.Len(t, merged.Subscribers, 1)
	assert.Equal(t, h.ID(), merged.Subscribers[0].HandleID)
}

func TestSubscribeIgnoresEmptyAndResetFlags(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	h := NewHandle(table, nil)

	h.Watch(1, 0)
	h.Watch(2, reset)
	assert.Empty(t, table.Entries())
	assert.Nil(t, h.WatchAll(0))
	assert.Empty(t, reg.callsFor(1))

	h.Watch(3, blackboard.ObserveValueChanged|reset)
	info, ok := table.Entry(3)
	require.True(t, ok)
	assert.Equal(t, blackboard.ObserveValueChanged, info.Flags)
}

func TestUnknownHandleIsIgnored(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	other := NewTable(&fakeRegistrar{})

	closed := NewHandle(table, nil)
	require.NoError(t, closed.Close())
	foreign := NewHandle(other, nil)

	closed.Watch(1, blackboard.ObserveValueChanged)
	table.SubscribeVariable(foreign, 1, blackboard.ObserveValueChanged)
	assert.Nil(t, table.SubscribeGlobal(foreign, blackboard.ObserveAddVariable))
	table.UnsubscribeVariable(foreign, 1)
	table.UnsubscribeGlobal(foreign)
	table.Disconnect(foreign)

	assert.Empty(t, table.Entries())
	assert.Empty(t, reg.calls)
	assert.Empty(t, reg.globalCalls)
	assert.Equal(t, 0, table.Stats().Handles)
}

func TestUnsubscribeNeverWatchedIsNoop(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	a := NewHandle(table, nil)
	b := NewHandle(table, nil)

	a.Watch(4, blackboard.ObserveValueChanged)
	before := len(reg.calls)

	b.Unwatch(4)
	b.Unwatch(99)
	b.UnwatchAll()

	info, ok := table.Entry(4)
	require.True(t, ok)
	assert.Len(t, info.Subscribers, 1)
	assert.Len(t, reg.calls, before)
	assert.Empty(t, reg.globalCalls)
}

func TestUnsubscribeSkipsRearmWhenUnionUnchanged(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	a := NewHandle(table, nil)
	b := NewHandle(table, nil)

	a.Watch(8, blackboard.ObserveValueChanged)
	b.Watch(8, blackboard.ObserveValueChanged)
	before := len(reg.callsFor(8))

	a.Unwatch(8)
	assert.Len(t, reg.callsFor(8), before)
}

func TestDisconnectRemovesEverything(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	a := NewHandle(table, nil)
	b := NewHandle(table, nil)

	a.Watch(1, blackboard.ObserveValueChanged)
	a.Watch(2, blackboard.ObserveValueChanged|blackboard.ObserveUnitChanged)
	a.Watch(3, blackboard.ObserveColorChanged)
	a.WatchAll(blackboard.ObserveAddVariable)
	b.Watch(2, blackboard.ObserveValueChanged)
	b.WatchAll(blackboard.ObserveRemoveVariable)

	require.NoError(t, a.Close())

	entries := table.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, blackboard.VID(2), entries[0].VID)
	assert.Equal(t, blackboard.ObserveValueChanged, entries[0].Flags)
	for _, e := range entries {
		for _, s := range e.Subscribers {
			assert.NotEqual(t, a.ID(), s.HandleID)
		}
	}

	assert.Equal(t, armCall{vid: 1, flags: reset, data: blackboard.NoObservationData}, reg.callsFor(1)[len(reg.callsFor(1))-1])
	assert.Equal(t, armCall{vid: 3, flags: reset, data: blackboard.NoObservationData}, reg.callsFor(3)[len(reg.callsFor(3))-1])
	assert.Equal(t, armCall{vid: 2, flags: blackboard.ObserveValueChanged | reset, data: entries[0].Token}, reg.callsFor(2)[len(reg.callsFor(2))-1])

	assert.Equal(t, blackboard.ObserveRemoveVariable, table.GlobalFlags())
	assert.Equal(t, armCall{flags: blackboard.ObserveRemoveVariable | reset, data: blackboard.NoObservationData}, reg.lastGlobalCall(t))

	stats := table.Stats()
	assert.Equal(t, 1, stats.Handles)
	assert.Equal(t, 1, stats.Globals)

	// Second close is a no-op
	calls := len(reg.calls)
	require.NoError(t, a.Close())
	assert.Len(t, reg.calls, calls)
}

func TestNotifyDeliversOnlyOverlappingFlags(t *testing.T) {
	table := NewTable(&fakeRegistrar{})
	values := &recorder{}
	units := &recorder{}
	both := &recorder{}

	NewHandle(table, values).Watch(10, blackboard.ObserveValueChanged)
	NewHandle(table, units).Watch(10, blackboard.ObserveUnitChanged)
	NewHandle(table, both).Watch(10, blackboard.ObserveValueChanged|blackboard.ObserveUnitChanged)

	info, ok := table.Entry(10)
	require.True(t, ok)

	table.Notify(10, blackboard.ObserveValueChanged, info.Token)
	table.Notify(10, blackboard.ObserveUnitChanged, info.Token)
	table.Notify(10, blackboard.ObserveColorChanged, info.Token)

	assert.Equal(t, []change{{10, blackboard.ObserveValueChanged}}, values.got())
	assert.Equal(t, []change{{10, blackboard.ObserveUnitChanged}}, units.got())
	assert.Equal(t, []change{
		{10, blackboard.ObserveValueChanged},
		{10, blackboard.ObserveUnitChanged},
	}, both.got())

	stats := table.Stats()
	assert.Equal(t, uint64(3), stats.Notifications)
	assert.Equal(t, uint64(4), stats.Deliveries)
}

func TestNotifyPreservesSubscriptionOrder(t *testing.T) {
	table := NewTable(&fakeRegistrar{})
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		h := NewHandle(table, ReceiverFunc(func(blackboard.VID, blackboard.ObservationFlags) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
		h.Watch(1, blackboard.ObserveValueChanged)
	}

	info, _ := table.Entry(1)
	table.Notify(1, blackboard.ObserveValueChanged, info.Token)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestNotifyDropsStaleTokens(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	rec := &recorder{}
	h := NewHandle(table, rec)

	h.Watch(1, blackboard.ObserveValueChanged)
	first, _ := table.Entry(1)
	h.Unwatch(1)

	// The freed slot is reused for another variable with a new generation
	h.Watch(2, blackboard.ObserveValueChanged)
	second, _ := table.Entry(2)
	idx1, _ := splitToken(first.Token)
	idx2, _ := splitToken(second.Token)
	require.Equal(t, idx1, idx2)
	require.NotEqual(t, first.Token, second.Token)

	table.Notify(1, blackboard.ObserveValueChanged, first.Token)  // freed entry
	table.Notify(2, blackboard.ObserveValueChanged, first.Token)  // old generation
	table.Notify(1, blackboard.ObserveValueChanged, second.Token) // wrong variable
	table.Notify(2, blackboard.ObserveValueChanged, 12345)        // out of range

	assert.Empty(t, rec.got())
	assert.Equal(t, uint64(4), table.Stats().StaleDrops)

	table.Notify(2, blackboard.ObserveValueChanged, second.Token)
	assert.Equal(t, []change{{2, blackboard.ObserveValueChanged}}, rec.got())
}

func TestSlotReuseHappensAfterReset(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	h := NewHandle(table, nil)

	h.Watch(1, blackboard.ObserveValueChanged)
	h.Unwatch(1)
	h.Watch(2, blackboard.ObserveValueChanged)

	calls := reg.calls
	require.Len(t, calls, 3)
	assert.Equal(t, blackboard.VID(1), calls[1].vid)
	assert.Equal(t, reset, calls[1].flags, "old variable must be disarmed before its slot is reused")
	assert.Equal(t, blackboard.VID(2), calls[2].vid)
}

func TestTokensStayStableWhenEarlierEntriesGo(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	rec := &recorder{}
	a := NewHandle(table, rec)
	b := NewHandle(table, nil)

	b.Watch(1, blackboard.ObserveValueChanged)
	a.Watch(2, blackboard.ObserveValueChanged)
	a.Watch(3, blackboard.ObserveValueChanged)
	before, _ := table.Entry(3)
	armed := reg.callsFor(3)[len(reg.callsFor(3))-1].data

	require.NoError(t, b.Close())

	after, ok := table.Entry(3)
	require.True(t, ok)
	assert.Equal(t, before.Token, after.Token)

	// The token the store still holds keeps routing correctly
	table.Notify(3, blackboard.ObserveValueChanged, armed)
	assert.Equal(t, []change{{3, blackboard.ObserveValueChanged}}, rec.got())
}

func TestSubscribeGlobalReturnsSnapshot(t *testing.T) {
	reg := &fakeRegistrar{snapshot: []blackboard.VID{1, 2, 3}}
	table := NewTable(reg)
	a := NewHandle(table, nil)
	b := NewHandle(table, nil)

	vids := a.WatchAll(blackboard.ObserveAddVariable)
	assert.Equal(t, []blackboard.VID{1, 2, 3}, vids)
	b.WatchAll(blackboard.ObserveRemoveVariable)
	a.WatchAll(blackboard.ObserveTypeChanged)

	assert.Equal(t, blackboard.ObserveRemoveVariable|blackboard.ObserveTypeChanged, table.GlobalFlags(), "a's flags were replaced")
	assert.Equal(t, 2, table.Stats().Globals)

	a.UnwatchAll()
	assert.Equal(t, blackboard.ObserveRemoveVariable, table.GlobalFlags())
	b.UnwatchAll()
	assert.Equal(t, blackboard.ObservationFlags(0), table.GlobalFlags())
	assert.Equal(t, armCall{flags: reset, data: blackboard.NoObservationData}, reg.lastGlobalCall(t))
}

func TestSubscribeGlobalReplacesFlags(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	rec := &recorder{}
	h := NewHandle(table, rec)

	h.WatchAll(blackboard.ObserveValueChanged)
	h.WatchAll(blackboard.ObserveAddVariable)

	assert.Equal(t, blackboard.ObserveAddVariable, table.GlobalFlags())
	assert.Equal(t, 1, table.Stats().Globals)
	assert.Equal(t, armCall{flags: blackboard.ObserveAddVariable | reset, data: blackboard.NoObservationData}, reg.lastGlobalCall(t))

	table.Notify(3, blackboard.ObserveValueChanged, blackboard.NoObservationData)
	assert.Empty(t, rec.got(), "value changes are no longer watched")

	table.Notify(4, blackboard.ObserveAddVariable, blackboard.NoObservationData)
	assert.Equal(t, []change{{vid: 4, flags: blackboard.ObserveAddVariable}}, rec.got())
}

func TestStartStopInstallsCallback(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)

	table.Start()
	require.NotNil(t, reg.callback)

	rec := &recorder{}
	NewHandle(table, rec).WatchAll(blackboard.ObserveAddVariable)
	reg.callback(4, blackboard.ObserveAddVariable, blackboard.NoObservationData)
	assert.Equal(t, []change{{4, blackboard.ObserveAddVariable}}, rec.got())

	table.Stop()
	assert.Nil(t, reg.callback)
}

func TestNilRegistrarKeepsBookkeeping(t *testing.T) {
	table := NewTable(nil)
	h := NewHandle(table, nil)
	h.Watch(1, blackboard.ObserveValueChanged)
	assert.Nil(t, h.WatchAll(blackboard.ObserveAddVariable))
	_, ok := table.Entry(1)
	assert.True(t, ok)
}

// TestUnionInvariantUnderRandomOperations checks after every step that each
// entry's flags equal the OR of its subscribers and that no entry is empty.
func TestUnionInvariantUnderRandomOperations(t *testing.T) {
	reg := &fakeRegistrar{}
	table := NewTable(reg)
	rng := rand.New(rand.NewSource(42))

	handles := make([]*Handle, 6)
	for i := range handles {
		handles[i] = NewHandle(table, nil)
	}

	for step := 0; step < 2000; step++ {
		h := handles[rng.Intn(len(handles))]
		vid := blackboard.VID(rng.Intn(8))
		switch rng.Intn(10) {
		case 0:
			require.NoError(t, h.Close())
			handles[rng.Intn(len(handles))] = NewHandle(table, nil)
		case 1, 2, 3:
			h.Unwatch(vid)
		default:
			h.Watch(vid, blackboard.ObservationFlags(1<<rng.Intn(10)))
		}

		for _, e := range table.Entries() {
			require.NotEmpty(t, e.Subscribers, "step %d: empty entry for vid %d", step, e.VID)
			var union blackboard.ObservationFlags
			for _, s := range e.Subscribers {
				union |= s.Flags
			}
			require.Equal(t, union, e.Flags, "step %d: union mismatch for vid %d", step, e.VID)

			last := reg.callsFor(e.VID)
			require.NotEmpty(t, last)
			require.Equal(t, e.Token, last[len(last)-1].data, "step %d: store holds stale token for vid %d", step, e.VID)
		}
	}
}

func TestConcurrentSubscribeAndNotify(t *testing.T) {
	store := blackboard.NewStore()
	vids := make([]blackboard.VID, 4)
	for i := range vids {
		vid, err := store.Add(&blackboard.Variable{Name: string(rune('a' + i))})
		require.NoError(t, err)
		vids[i] = vid
	}

	table := NewTable(store)
	table.Start()
	defer table.Stop()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer: the store's own execution context
	wg.Add(1)
	go func() {
		defer wg.Done()
		v := 0.0
		for {
			select {
			case <-stop:
				return
			default:
			}
			v++
			for _, vid := range vids {
				_ = store.Write(vid, v)
			}
		}
	}()

	var subs sync.WaitGroup
	for w := 0; w < 8; w++ {
		subs.Add(1)
		go func(seed int64) {
			defer subs.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				h := NewHandle(table, &recorder{})
				h.Watch(vids[rng.Intn(len(vids))], blackboard.ObserveValueChanged)
				h.Watch(vids[rng.Intn(len(vids))], blackboard.ObserveValueChanged)
				if rng.Intn(2) == 0 {
					h.WatchAll(blackboard.ObserveAddVariable)
				}
				h.Unwatch(vids[rng.Intn(len(vids))])
				h.Close()
			}
		}(int64(w))
	}
	subs.Wait()
	close(stop)
	wg.Wait()

	stats := table.Stats()
	assert.Equal(t, 0, stats.Handles)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, 0, stats.Globals)
	for _, vid := range vids {
		flags, data := store.Observation(vid)
		assert.Equal(t, blackboard.ObservationFlags(0), flags, "vid %d left armed", vid)
		assert.Equal(t, blackboard.NoObservationData, data)
	}
}
