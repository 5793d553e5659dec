// Package codes maps between spatial stripe positions and the binary code
// words projected one bit plane at a time.
//
// Bit plane k of a position's code word is bit k of the integer code word, so
// the code word a camera pixel accumulates across planes 0..Bits()-1 is the
// value Decode expects.
package codes

import (
	"fmt"
	"strings"
)

// System names a binary coding scheme.
type System int

const (
	// GraySystem is the reflected binary code.
	GraySystem System = iota
	// MinStripeWidthSystem is a table-driven code with a bounded minimum
	// stripe width.
	MinStripeWidthSystem
)

func (s System) String() string {
	switch s {
	case GraySystem:
		return "gray"
	case MinStripeWidthSystem:
		return "minsw"
	}
	return fmt.Sprintf("system(%d)", int(s))
}

// ParseSystem accepts the names produced by System.String.
func ParseSystem(name string) (System, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gray", "graycode":
		return GraySystem, nil
	case "minsw", "minstripewidth":
		return MinStripeWidthSystem, nil
	}
	return 0, fmt.Errorf("unknown binary code system %q", name)
}

// Table converts between positions and code words. Implementations are
// immutable after construction and safe for concurrent use.
type Table interface {
	// System reports the coding scheme.
	System() System
	// Bits is the number of bit planes in a code word.
	Bits() int
	// Size is the number of encodable positions.
	Size() int
	// Encode returns the code word projected for position pos.
	Encode(pos int) (uint32, error)
	// Decode returns the position for code, or false on a decode miss.
	Decode(code uint32) (int, bool)
	// Bit reports whether position pos is lit in bit plane bit.
	Bit(pos, bit int) bool
}

// Open constructs the table for system. bits sizes a Gray table; path names
// the lookup file of a minimum-stripe-width table.
func Open(system System, bits int, path string) (Table, error) {
	switch system {
	case GraySystem:
		return NewGray(bits)
	case MinStripeWidthSystem:
		t, err := LoadMinStripeWidthFile(path)
		if err != nil {
			return nil, err
		}
		if bits > 0 && t.Bits() != bits {
			return nil, fmt.Errorf("code table %s has %d bits, configured %d", path, t.Bits(), bits)
		}
		return t, nil
	}
	return nil, fmt.Errorf("unsupported binary code system %v", system)
}

func bitOf(code uint32, bit int) bool {
	return bit >= 0 && bit < 32 && code&(1<<uint(bit)) != 0
}
