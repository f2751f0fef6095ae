package blackboard

import (
	"fmt"
	"math/bits"
	"strings"
)

// ObservationFlags is a bitmask of observable variable properties.
// The same mask type is used for requests (what a subscriber wants) and for
// notifications (what actually changed).
type ObservationFlags uint32

const (
	ObserveValueChanged          ObservationFlags = 0x1
	ObserveTypeChanged           ObservationFlags = 0x2
	ObserveConversionChanged     ObservationFlags = 0x4
	ObserveMinMaxChanged         ObservationFlags = 0x8
	ObserveUnitChanged           ObservationFlags = 0x10
	ObserveDisplayNameChanged    ObservationFlags = 0x20
	ObserveColorChanged          ObservationFlags = 0x40
	ObserveStepChanged           ObservationFlags = 0x80
	ObserveFormatChanged         ObservationFlags = 0x100
	ObserveConversionTypeChanged ObservationFlags = 0x200

	// ObserveRemoveVariable and ObserveAddVariable are table-level events.
	ObserveRemoveVariable ObservationFlags = 0x20000000
	ObserveAddVariable    ObservationFlags = 0x40000000

	// ObserveResetFlags is a pseudo-flag. In an arm call it means "replace the
	// stored mask" instead of "OR into the stored mask"; on its own it disarms.
	ObserveResetFlags ObservationFlags = 0x80000000

	// ObserveConfigAnythingChanged matches every real flag except value changes.
	ObserveConfigAnythingChanged ObservationFlags = 0x7FFFFFFE
)

// NoObservationData is the opaque index meaning "no per-variable entry".
const NoObservationData uint32 = 0xFFFFFFFF

// VID identifies one variable in the store.
type VID int32

// ObservationCallback is the single entry point a store invokes when an
// observed property changes. data is the opaque index supplied at arm time.
type ObservationCallback func(vid VID, flags ObservationFlags, data uint32)

var flagNames = []struct {
	flag ObservationFlags
	name string
}{
	{ObserveValueChanged, "value"},
	{ObserveTypeChanged, "type"},
	{ObserveConversionChanged, "conversion"},
	{ObserveMinMaxChanged, "minmax"},
	{ObserveUnitChanged, "unit"},
	{ObserveDisplayNameChanged, "displayname"},
	{ObserveColorChanged, "color"},
	{ObserveStepChanged, "step"},
	{ObserveFormatChanged, "format"},
	{ObserveConversionTypeChanged, "conversiontype"},
	{ObserveRemoveVariable, "remove"},
	{ObserveAddVariable, "add"},
	{ObserveResetFlags, "reset"},
}

// Has reports whether every bit of other is set in f.
func (f ObservationFlags) Has(other ObservationFlags) bool {
	return f&other == other
}

// Overlaps reports whether f and other share at least one bit.
func (f ObservationFlags) Overlaps(other ObservationFlags) bool {
	return f&other != 0
}

// Without returns f with the bits of other cleared.
func (f ObservationFlags) Without(other ObservationFlags) ObservationFlags {
	return f &^ other
}

// Names returns the names of the set bits in ascending bit order.
// Bits without a name are rendered as hex.
func (f ObservationFlags) Names() []string {
	names := make([]string, 0, bits.OnesCount32(uint32(f)))
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return names
}

// String renders f as names joined by "|", or "none".
func (f ObservationFlags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// ParseFlagNames converts names as accepted in configuration files into a mask.
// "config" expands to ObserveConfigAnythingChanged and "all" to every real flag.
func ParseFlagNames(names []string) (ObservationFlags, error) {
	var f ObservationFlags
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "config":
			f |= ObserveConfigAnythingChanged
			continue
		case "all":
			f |= ObserveConfigAnythingChanged | ObserveValueChanged
			continue
		case "reset":
			return 0, fmt.Errorf("flag 'reset' is reserved and cannot be requested")
		}

		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown observation flag: %q", raw)
		}
	}
	return f, nil
}
