package observer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

// Receiver gets the notifications forwarded to a handle.
// VariableChanged runs on the store's writer goroutine with the dispatch table
// locked: it must not block and must not call into the table. Hand the event
// to a queue and do the real work elsewhere.
type Receiver interface {
	VariableChanged(vid blackboard.VID, flags blackboard.ObservationFlags)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(vid blackboard.VID, flags blackboard.ObservationFlags)

// VariableChanged calls f(vid, flags).
func (f ReceiverFunc) VariableChanged(vid blackboard.VID, flags blackboard.ObservationFlags) {
	f(vid, flags)
}

// Handle is one interested party's subscription token. It is connected to its
// table on creation and disconnected exactly once by Close.
type Handle struct {
	id    string
	table *Table
	owner Receiver
	once  sync.Once
}

// NewHandle creates a handle delivering to owner and connects it to t.
// owner may be nil, in which case notifications are discarded.
func NewHandle(t *Table, owner Receiver) *Handle {
	h := &Handle{
		id:    uuid.NewString(),
		table: t,
		owner: owner,
	}
	t.Connect(h)
	return h
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string {
	return h.id
}

// Watch subscribes to changes of vid matching flags.
func (h *Handle) Watch(vid blackboard.VID, flags blackboard.ObservationFlags) {
	h.table.SubscribeVariable(h, vid, flags)
}

// Unwatch drops the subscription to vid.
func (h *Handle) Unwatch(vid blackboard.VID) {
	h.table.UnsubscribeVariable(h, vid)
}

// WatchAll subscribes to changes of any variable matching flags and returns
// the VIDs that exist at subscription time. Calling it again replaces the
// flags of the earlier call.
func (h *Handle) WatchAll(flags blackboard.ObservationFlags) []blackboard.VID {
	return h.table.SubscribeGlobal(h, flags)
}

// UnwatchAll drops the whole-table subscription.
func (h *Handle) UnwatchAll() {
	h.table.UnsubscribeGlobal(h)
}

// Close disconnects the handle from its table, removing all of its
// subscriptions. Further calls are no-ops, as are Watch calls after Close.
// Implements io.Closer.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.table.Disconnect(h)
	})
	return nil
}

func (h *Handle) deliver(vid blackboard.VID, flags blackboard.ObservationFlags) {
	if h.owner != nil {
		h.owner.VariableChanged(vid, flags)
	}
}
