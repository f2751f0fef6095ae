package watch

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xilenv/bbwatch/internal/config"
	"github.com/xilenv/bbwatch/pkg/blackboard"
	"github.com/xilenv/bbwatch/pkg/observer"
)

// Change is one notification as queued by a panel.
type Change struct {
	Panel string
	VID   blackboard.VID
	Flags blackboard.ObservationFlags
	At    time.Time
}

// Resolver maps a configured variable name to its VID.
type Resolver func(name string) (blackboard.VID, error)

// Panel is one configured widget. It owns a subscriber handle and a bounded
// queue; notifications are enqueued without blocking and dropped when the
// queue is full, so the dispatch path never waits on a slow consumer.
type Panel struct {
	name     string
	flags    blackboard.ObservationFlags
	all      bool
	snapshot []blackboard.VID

	handle  *observer.Handle
	queue   chan Change
	dropped atomic.Uint64
	once    sync.Once
}

func newPanel(table *observer.Table, name string, flags blackboard.ObservationFlags, queueSize int) *Panel {
	p := &Panel{
		name:  name,
		flags: flags,
		queue: make(chan Change, queueSize),
	}
	p.handle = observer.NewHandle(table, p)
	return p
}

// VariableChanged implements observer.Receiver. It runs under the dispatch
// table lock and must not block.
func (p *Panel) VariableChanged(vid blackboard.VID, flags blackboard.ObservationFlags) {
	select {
	case p.queue <- Change{Panel: p.name, VID: vid, Flags: flags, At: time.Now()}:
	default:
		p.dropped.Add(1)
	}
}

// Name returns the panel's configured name.
func (p *Panel) Name() string { return p.name }

// Flags returns the mask the panel subscribed with.
func (p *Panel) Flags() blackboard.ObservationFlags { return p.flags }

// All reports whether the panel watches the whole table.
func (p *Panel) All() bool { return p.all }

// Snapshot returns the VIDs that existed when a whole-table panel subscribed.
func (p *Panel) Snapshot() []blackboard.VID { return p.snapshot }

// HandleID returns the ID of the panel's subscriber handle.
func (p *Panel) HandleID() string { return p.handle.ID() }

// Changes returns the panel's queue. It is closed by Close.
func (p *Panel) Changes() <-chan Change { return p.queue }

// Dropped returns how many notifications were discarded on overflow.
func (p *Panel) Dropped() uint64 { return p.dropped.Load() }

// Close unsubscribes the panel and closes its queue.
func (p *Panel) Close() error {
	p.once.Do(func() {
		// Disconnect returns only once no delivery to this handle is in
		// flight, so closing the queue afterwards is safe.
		p.handle.Close()
		close(p.queue)
	})
	return nil
}

// Panels is the set of panels built from one configuration.
type Panels struct {
	list []*Panel
}

// NewPanels connects one panel per configured entry to table. Variable names
// are resolved with resolve; an unresolvable name fails the whole set.
func NewPanels(table *observer.Table, cfg *config.Config, resolve Resolver) (*Panels, error) {
	ps := &Panels{}
	for _, name := range cfg.PanelNames() {
		pc := cfg.Panels[name]
		flags, err := pc.Flags()
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("panel '%s': %w", name, err)
		}

		p := newPanel(table, name, flags, cfg.QueueSize)
		ps.list = append(ps.list, p)

		if pc.All {
			p.all = true
			p.snapshot = p.handle.WatchAll(flags)
			log.Printf("[Watch] Panel %s (handle %s) watching all variables (%s), %d present", name, p.HandleID(), flags, len(p.snapshot))
			continue
		}

		for _, varName := range pc.Variables {
			vid, err := resolve(varName)
			if err != nil {
				ps.Close()
				return nil, fmt.Errorf("panel '%s': variable '%s': %w", name, varName, err)
			}
			p.handle.Watch(vid, flags)
		}
		log.Printf("[Watch] Panel %s (handle %s) watching %d variables (%s)", name, p.HandleID(), len(pc.Variables), flags)
	}
	return ps, nil
}

// List returns the panels in name order.
func (ps *Panels) List() []*Panel {
	return ps.list
}

// Dropped returns the total overflow count over all panels.
func (ps *Panels) Dropped() uint64 {
	var n uint64
	for _, p := range ps.list {
		n += p.Dropped()
	}
	return n
}

// Close closes every panel.
func (ps *Panels) Close() error {
	for _, p := range ps.list {
		p.Close()
	}
	return nil
}
