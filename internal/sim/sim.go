package sim

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/xilenv/bbwatch/pkg/blackboard"
)

// Writer is the store side the driver writes values into. blackboard.Store
// satisfies it directly.
type Writer interface {
	Write(vid blackboard.VID, value float64) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(vid blackboard.VID, value float64) error

// Write calls f.
func (f WriterFunc) Write(vid blackboard.VID, value float64) error {
	return f(vid, value)
}

// ClientWriter adapts a blackboard.Client to Writer using ctx for every write.
func ClientWriter(ctx context.Context, c *blackboard.Client) Writer {
	return WriterFunc(func(vid blackboard.VID, value float64) error {
		return c.WriteValue(ctx, vid, value)
	})
}

// Waveform selects the shape of a simulated signal.
type Waveform string

const (
	WaveformSine   Waveform = "sine"
	WaveformRamp   Waveform = "ramp"
	WaveformSquare Waveform = "square"
)

// Validate checks that w is a known waveform.
func (w Waveform) Validate() error {
	switch w {
	case WaveformSine, WaveformRamp, WaveformSquare:
		return nil
	default:
		return fmt.Errorf("invalid waveform: %q", w)
	}
}

// Signal is one simulated variable.
type Signal struct {
	VID      blackboard.VID
	Waveform Waveform
	Period   time.Duration
	Min      float64
	Max      float64
}

// ValueAt returns the signal's value after elapsed time. The result is
// rounded to three decimals so repeated writes of the same sample compare equal.
func (s Signal) ValueAt(elapsed time.Duration) float64 {
	if s.Period <= 0 {
		return s.Min
	}
	phase := math.Mod(float64(elapsed), float64(s.Period)) / float64(s.Period)

	var unit float64
	switch s.Waveform {
	case WaveformSine:
		unit = (math.Sin(2*math.Pi*phase) + 1) / 2
	case WaveformRamp:
		unit = phase
	case WaveformSquare:
		if phase >= 0.5 {
			unit = 1
		}
	}
	return math.Round((s.Min+unit*(s.Max-s.Min))*1000) / 1000
}

// Driver periodically writes every signal's current value to a Writer. It is
// the writer context that produces observation callbacks in demos and tests.
type Driver struct {
	writer   Writer
	interval time.Duration
	signals  []Signal

	ticks  atomic.Uint64
	errors atomic.Uint64
}

// NewDriver creates a driver sampling every interval.
func NewDriver(w Writer, interval time.Duration, signals ...Signal) (*Driver, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0, got %v", interval)
	}
	for _, s := range signals {
		if err := s.Waveform.Validate(); err != nil {
			return nil, fmt.Errorf("signal for vid %d: %w", s.VID, err)
		}
		if s.Min > s.Max {
			return nil, fmt.Errorf("signal for vid %d: min %g greater than max %g", s.VID, s.Min, s.Max)
		}
	}
	return &Driver{writer: w, interval: interval, signals: signals}, nil
}

// Step writes every signal's value at elapsed. All signals are attempted;
// the first error is returned.
func (d *Driver) Step(elapsed time.Duration) error {
	var first error
	for _, s := range d.signals {
		if err := d.writer.Write(s.VID, s.ValueAt(elapsed)); err != nil {
			d.errors.Add(1)
			if first == nil {
				first = fmt.Errorf("failed to write vid %d: %w", s.VID, err)
			}
		}
	}
	d.ticks.Add(1)
	return first
}

// Run samples until ctx is cancelled. Write errors are logged and do not
// stop the loop. Returns nil on cancellation.
func (d *Driver) Run(ctx context.Context) error {
	log.Printf("[Sim] Driving %d signals every %v", len(d.signals), d.interval)
	defer log.Printf("[Sim] Driver stopped after %d ticks", d.ticks.Load())

	start := time.Now()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := d.Step(now.Sub(start)); err != nil {
				log.Printf("[Sim] %v", err)
			}
		}
	}
}

// Ticks returns how many samples have been taken.
func (d *Driver) Ticks() uint64 { return d.ticks.Load() }

// Errors returns how many writes failed.
func (d *Driver) Errors() uint64 { return d.errors.Load() }
