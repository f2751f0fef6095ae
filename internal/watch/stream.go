package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xilenv/bbwatch/internal/printer"
	"github.com/xilenv/bbwatch/pkg/blackboard"
)

// OutputFormat specifies how activity is rendered
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// Describer looks up the current properties of a variable for display.
// It returns nil when the variable no longer exists.
type Describer interface {
	Describe(ctx context.Context, vid blackboard.VID) *blackboard.Variable
}

// DescriberFunc adapts a function to Describer.
type DescriberFunc func(ctx context.Context, vid blackboard.VID) *blackboard.Variable

// Describe calls f.
func (f DescriberFunc) Describe(ctx context.Context, vid blackboard.VID) *blackboard.Variable {
	return f(ctx, vid)
}

// activityEvent is one line of JSON output.
type activityEvent struct {
	Timestamp string   `json:"timestamp"`
	Panel     string   `json:"panel"`
	Event     string   `json:"event"`
	VID       int32    `json:"vid,omitempty"`
	Name      string   `json:"name,omitempty"`
	Flags     []string `json:"flags,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Unit      string   `json:"unit,omitempty"`
	Variables []int32  `json:"variables,omitempty"`
}

// StreamActivity renders every change queued by panels to w until ctx is
// cancelled or every panel is closed. Whole-table panels first report their
// initial snapshot. Cancellation is not an error.
func StreamActivity(ctx context.Context, panels *Panels, describer Describer, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSON {
		return fmt.Errorf("unknown output format: %s", format)
	}

	enc := json.NewEncoder(w)
	for _, p := range panels.List() {
		if !p.All() {
			continue
		}
		if err := writeSnapshot(ctx, enc, w, p, describer, format); err != nil {
			return err
		}
	}

	merged := make(chan Change)
	var wg sync.WaitGroup
	for _, p := range panels.List() {
		wg.Add(1)
		go func(p *Panel) {
			defer wg.Done()
			for c := range p.Changes() {
				select {
				case merged <- c:
				case <-ctx.Done():
					return
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-merged:
			if !ok {
				return nil
			}
			if err := writeChange(ctx, enc, w, c, describer, format); err != nil {
				return err
			}
		}
	}
}

func writeSnapshot(ctx context.Context, enc *json.Encoder, w io.Writer, p *Panel, describer Describer, format OutputFormat) error {
	if format == OutputFormatJSON {
		ids := make([]int32, len(p.Snapshot()))
		for i, vid := range p.Snapshot() {
			ids[i] = int32(vid)
		}
		return enc.Encode(activityEvent{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Panel:     p.Name(),
			Event:     "snapshot",
			Variables: ids,
		})
	}

	if _, err := fmt.Fprintf(w, "[%s] %d variables present\n", p.Name(), len(p.Snapshot())); err != nil {
		return err
	}
	for _, vid := range p.Snapshot() {
		line := fmt.Sprintf("  #%d (removed)\n", vid)
		if v := describer.Describe(ctx, vid); v != nil {
			line = fmt.Sprintf("  #%d %s = %s\n", vid, v.Label(), printer.FormatValue(v))
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

func writeChange(ctx context.Context, enc *json.Encoder, w io.Writer, c Change, describer Describer, format OutputFormat) error {
	var v *blackboard.Variable
	if !c.Flags.Overlaps(blackboard.ObserveRemoveVariable) {
		v = describer.Describe(ctx, c.VID)
	}

	if format == OutputFormatDefault {
		printer.Change(w, c.At, c.Panel, c.VID, c.Flags, v)
		return nil
	}

	event := activityEvent{
		Timestamp: c.At.UTC().Format(time.RFC3339Nano),
		Panel:     c.Panel,
		Event:     "change",
		VID:       int32(c.VID),
		Flags:     c.Flags.Names(),
	}
	if v != nil {
		value := v.Value
		event.Name = v.Name
		event.Value = &value
		event.Unit = v.Unit
	}
	return enc.Encode(event)
}
