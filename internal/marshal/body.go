package marshal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownSlot is returned when a CapData body references a slot index
// that has no corresponding entry in Slots. An unknown slot on
// deserialization is fatal.
var ErrUnknownSlot = errors.New("marshal: unknown slot index")

// slotRef is the JSON shape a structured body uses to mark where a slot
// occurs: {"@qclass":"slot","index":N}. Any other JSON value is opaque
// payload and is not interpreted further.
type slotRef struct {
	QClass string `json:"@qclass"`
	Index  int    `json:"index"`
}

// ValidateSlotIndices walks body looking for slot markers and confirms
// every referenced index falls within [0, numSlots). It does not mutate
// body or resolve markers to standins — it is the fatal-on-decode check
// required before a send is allowed to proceed.
func ValidateSlotIndices(body []byte, numSlots int) error {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("marshal: invalid body: %w", err)
	}
	return walkForSlots(v, numSlots)
}

func walkForSlots(v any, numSlots int) error {
	switch t := v.(type) {
	case map[string]any:
		if qc, ok := t["@qclass"]; ok && qc == "slot" {
			idx, ok := t["index"].(float64)
			if !ok || int(idx) < 0 || int(idx) >= numSlots {
				return fmt.Errorf("%w: index %v (have %d slots)", ErrUnknownSlot, t["index"], numSlots)
			}
			return nil
		}
		for _, child := range t {
			if err := walkForSlots(child, numSlots); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := walkForSlots(child, numSlots); err != nil {
				return err
			}
		}
	}
	return nil
}
