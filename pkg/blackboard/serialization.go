package blackboard

import (
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Every variable property
// gets its own hash field so single properties can be read with HGET.

// VariableEvent is published on the variable events channel after every
// mutation. Flags carries the properties that changed.
type VariableEvent struct {
	VID         VID              `json:"vid"`
	Name        string           `json:"name"`
	Flags       ObservationFlags `json:"flags"`
	Value       float64          `json:"value"`
	TimestampMs int64            `json:"timestamp_ms"`
}

// VariableToHash converts a Variable to a Redis hash.
func VariableToHash(v *Variable) map[string]interface{} {
	return map[string]interface{}{
		"vid":             int64(v.VID),
		"name":            v.Name,
		"type":            string(v.Type),
		"value":           strconv.FormatFloat(v.Value, 'g', -1, 64),
		"unit":            v.Unit,
		"display_name":    v.DisplayName,
		"min":             strconv.FormatFloat(v.Min, 'g', -1, 64),
		"max":             strconv.FormatFloat(v.Max, 'g', -1, 64),
		"step":            strconv.FormatFloat(v.Step, 'g', -1, 64),
		"width":           v.Width,
		"precision":       v.Precision,
		"color":           v.Color,
		"conversion_type": string(v.ConversionType),
		"conversion":      v.Conversion,
	}
}

// HashToVariable converts a Redis hash back to a Variable.
func HashToVariable(hash map[string]string) (*Variable, error) {
	vid, err := strconv.ParseInt(hash["vid"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vid field: %w", err)
	}

	floats := make(map[string]float64, 4)
	for _, field := range []string{"value", "min", "max", "step"} {
		raw := hash[field]
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", field, err)
		}
		floats[field] = f
	}

	// Format fields are optional in older hashes
	width, _ := strconv.Atoi(hash["width"])
	precision, _ := strconv.Atoi(hash["precision"])

	return &Variable{
		VID:            VID(vid),
		Name:           hash["name"],
		Type:           DataType(hash["type"]),
		Value:          floats["value"],
		Unit:           hash["unit"],
		DisplayName:    hash["display_name"],
		Min:            floats["min"],
		Max:            floats["max"],
		Step:           floats["step"],
		Width:          width,
		Precision:      precision,
		Color:          hash["color"],
		ConversionType: ConversionType(hash["conversion_type"]),
		Conversion:     hash["conversion"],
	}, nil
}
