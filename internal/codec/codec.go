// Package codec turns raw Modbus register words into scaled physical values.
// All functions are pure and total over their 16-bit inputs.
package codec

import (
	"fmt"

	"github.com/openmppt/go-epever/internal/registers"
)

// DecodeScalar converts a single register word to a physical value by
// dividing by scale. A scale of 0 or 1 means the raw value is unscaled.
func DecodeScalar(raw uint16, scale uint32) float64 {
	if scale == 0 {
		scale = 1
	}
	return float64(raw) / float64(scale)
}

// DecodeSignedScalar converts a single register word holding a
// two's-complement value.
func DecodeSignedScalar(raw uint16, scale uint32) float64 {
	if scale == 0 {
		scale = 1
	}
	return float64(int16(raw)) / float64(scale)
}

// DecodeWide reconstructs a 32-bit value from a register pair. The low word
// lives at the lower address; the combined quantity is (high<<16)|low.
func DecodeWide(low, high uint16, scale uint32) float64 {
	if scale == 0 {
		scale = 1
	}
	return float64(uint32(high)<<16|uint32(low)) / float64(scale)
}

// DecodeSignedWide reconstructs a signed 32-bit value from a register pair,
// interpreting the same bit pattern as two's-complement. The controller
// reports the net battery current this way: negative while discharging.
func DecodeSignedWide(low, high uint16, scale uint32) float64 {
	if scale == 0 {
		scale = 1
	}
	return float64(int32(uint32(high)<<16|uint32(low))) / float64(scale)
}

// Value is one decoded register: logical name, scaled physical value, unit.
type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Block is the decode result of one register range read.
type Block struct {
	Range  string
	Values []Value
	Status map[registers.Kind]uint16
}

// DecodeBlock applies a range's register specs to the words returned by one
// read. Words not covered by any spec are ignored (reserved registers inside
// a spanned range). Status-kind registers are passed through raw for the
// bitfield decoder instead of being scaled.
func DecodeBlock(r *registers.Range, words []uint16) (*Block, error) {
	if len(words) < int(r.Count) {
		return nil, fmt.Errorf("range %s: got %d words, want %d", r.Name, len(words), r.Count)
	}

	block := &Block{
		Range:  r.Name,
		Values: make([]Value, 0, len(r.Registers)),
	}

	for _, spec := range r.Registers {
		offset := r.Offset(spec)

		if spec.Kind != registers.KindValue {
			if block.Status == nil {
				block.Status = make(map[registers.Kind]uint16)
			}
			block.Status[spec.Kind] = words[offset]
			continue
		}

		var value float64
		switch {
		case spec.Width == 2 && spec.Signed:
			value = DecodeSignedWide(words[offset], words[offset+1], spec.Scale)
		case spec.Width == 2:
			value = DecodeWide(words[offset], words[offset+1], spec.Scale)
		case spec.Signed:
			value = DecodeSignedScalar(words[offset], spec.Scale)
		default:
			value = DecodeScalar(words[offset], spec.Scale)
		}

		block.Values = append(block.Values, Value{
			Name:  spec.Name,
			Value: value,
			Unit:  spec.Unit,
		})
	}

	return block, nil
}
