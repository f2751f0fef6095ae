package blackboard

import (
	"errors"
	"fmt"
	"regexp"
)

// Store errors.
var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrInvalidVariable = errors.New("invalid variable")
)

// Variable is one row of the blackboard.
// VID and Name are assigned once and never change; every other field is a
// property whose change is reported through ObservationFlags.
type Variable struct {
	VID            VID            `json:"vid"`                    // Assigned by the store on Add
	Name           string         `json:"name"`                   // Unique within a store
	Type           DataType       `json:"type"`                   // Storage type of the value
	Value          float64        `json:"value"`                  // Current raw value
	Unit           string         `json:"unit,omitempty"`         // Physical unit, e.g. "km/h"
	DisplayName    string         `json:"display_name,omitempty"` // Optional label shown instead of Name
	Min            float64        `json:"min"`                    // Lower display bound
	Max            float64        `json:"max"`                    // Upper display bound
	Step           float64        `json:"step,omitempty"`         // Increment used by input widgets
	Width          int            `json:"width,omitempty"`        // Display width in characters
	Precision      int            `json:"precision,omitempty"`    // Decimal places shown
	Color          string         `json:"color,omitempty"`        // "#rrggbb"
	ConversionType ConversionType `json:"conversion_type"`        // How Conversion is interpreted
	Conversion     string         `json:"conversion,omitempty"`   // Formula or text table
}

// DataType is the storage type of a variable's value.
type DataType string

const (
	DataTypeInt8    DataType = "int8"
	DataTypeUint8   DataType = "uint8"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeInt64   DataType = "int64"
	DataTypeUint64  DataType = "uint64"
	DataTypeFloat   DataType = "float"
	DataTypeDouble  DataType = "double"
	DataTypeUnknown DataType = "unknown"
)

// Validate checks that t is a known data type.
func (t DataType) Validate() error {
	switch t {
	case DataTypeInt8, DataTypeUint8, DataTypeInt16, DataTypeUint16,
		DataTypeInt32, DataTypeUint32, DataTypeInt64, DataTypeUint64,
		DataTypeFloat, DataTypeDouble, DataTypeUnknown:
		return nil
	default:
		return fmt.Errorf("invalid data type: %q", t)
	}
}

// ConversionType selects how a variable's raw value is converted for display.
type ConversionType string

const (
	ConversionNone        ConversionType = "none"
	ConversionFormula     ConversionType = "formula"
	ConversionTextReplace ConversionType = "textreplace"
)

// Validate checks that c is a known conversion type.
func (c ConversionType) Validate() error {
	switch c {
	case ConversionNone, ConversionFormula, ConversionTextReplace:
		return nil
	default:
		return fmt.Errorf("invalid conversion type: %q", c)
	}
}

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Validate checks the fields that must hold before a variable is stored.
// Empty Type and ConversionType are accepted and normalised by ApplyDefaults.
func (v *Variable) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidVariable)
	}
	if v.Type != "" {
		if err := v.Type.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVariable, err)
		}
	}
	if v.ConversionType != "" {
		if err := v.ConversionType.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVariable, err)
		}
	}
	if v.Min > v.Max {
		return fmt.Errorf("%w: min %g greater than max %g", ErrInvalidVariable, v.Min, v.Max)
	}
	if v.Color != "" && !colorPattern.MatchString(v.Color) {
		return fmt.Errorf("%w: color must be #rrggbb, got %q", ErrInvalidVariable, v.Color)
	}
	if v.Width < 0 || v.Precision < 0 {
		return fmt.Errorf("%w: width and precision must be >= 0", ErrInvalidVariable)
	}
	return nil
}

// ApplyDefaults fills in zero-valued enum fields.
func (v *Variable) ApplyDefaults() {
	if v.Type == "" {
		v.Type = DataTypeDouble
	}
	if v.ConversionType == "" {
		v.ConversionType = ConversionNone
	}
}

// Label returns DisplayName if set, otherwise Name.
func (v *Variable) Label() string {
	if v.DisplayName != "" {
		return v.DisplayName
	}
	return v.Name
}

// ChangedFlags reports which observable properties differ between old and updated.
// A conversion type change also implies a conversion change.
func ChangedFlags(old, updated *Variable) ObservationFlags {
	var f ObservationFlags
	if old.Value != updated.Value {
		f |= ObserveValueChanged
	}
	if old.Type != updated.Type {
		f |= ObserveTypeChanged
	}
	if old.ConversionType != updated.ConversionType {
		f |= ObserveConversionTypeChanged | ObserveConversionChanged
	}
	if old.Conversion != updated.Conversion {
		f |= ObserveConversionChanged
	}
	if old.Min != updated.Min || old.Max != updated.Max {
		f |= ObserveMinMaxChanged
	}
	if old.Unit != updated.Unit {
		f |= ObserveUnitChanged
	}
	if old.DisplayName != updated.DisplayName {
		f |= ObserveDisplayNameChanged
	}
	if old.Color != updated.Color {
		f |= ObserveColorChanged
	}
	if old.Step != updated.Step {
		f |= ObserveStepChanged
	}
	if old.Width != updated.Width || old.Precision != updated.Precision {
		f |= ObserveFormatChanged
	}
	return f
}
