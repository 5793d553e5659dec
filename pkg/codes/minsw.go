package codes

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// MinStripeWidth is a lookup-table code. The table is read once from an
// external file and shared read-only by every decode session.
//
// File layout (little-endian): uint32 bits, uint32 count, then count uint32
// code words where entry i is the code word of position i.
type MinStripeWidth struct {
	bits   int
	codes  []uint32 // position -> code word
	dense  []int32  // code word -> position, -1 when unused; nil for wide tables
	sparse map[uint32]int32
}

// MaxTableEntries bounds the positions a lookup table may hold.
const MaxTableEntries = 1 << 24

// denseBits is the widest code word indexed by a flat inverse table. Wider
// tables index their code words in a map sized by the entry count.
const denseBits = 20

// NewMinStripeWidth builds a table from the position-ordered code words and
// checks that they form a bijection onto their image.
func NewMinStripeWidth(bits int, codes []uint32) (*MinStripeWidth, error) {
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("min-stripe-width bits must be in [1,%d], got %d", MaxBits, bits)
	}
	size := 1 << uint(bits)
	if len(codes) == 0 || len(codes) > size || len(codes) > MaxTableEntries {
		return nil, fmt.Errorf("min-stripe-width table with %d bits cannot hold %d entries", bits, len(codes))
	}

	t := &MinStripeWidth{bits: bits}
	if bits <= denseBits {
		t.dense = make([]int32, size)
		for i := range t.dense {
			t.dense[i] = -1
		}
	} else {
		t.sparse = make(map[uint32]int32, len(codes))
	}
	for pos, code := range codes {
		if uint64(code) >= uint64(size) {
			return nil, fmt.Errorf("code word %#x for position %d exceeds %d bits", code, pos, bits)
		}
		if prev, ok := t.lookup(code); ok {
			return nil, fmt.Errorf("code word %#x assigned to positions %d and %d", code, prev, pos)
		}
		if t.dense != nil {
			t.dense[code] = int32(pos)
		} else {
			t.sparse[code] = int32(pos)
		}
	}

	t.codes = make([]uint32, len(codes))
	copy(t.codes, codes)
	return t, nil
}

func (t *MinStripeWidth) lookup(code uint32) (int, bool) {
	if t.dense != nil {
		if uint64(code) >= uint64(len(t.dense)) || t.dense[code] < 0 {
			return 0, false
		}
		return int(t.dense[code]), true
	}
	pos, ok := t.sparse[code]
	return int(pos), ok
}

// ReadMinStripeWidth parses a table from r.
func ReadMinStripeWidth(r io.Reader) (*MinStripeWidth, error) {
	br := bufio.NewReader(r)
	var header [2]uint32
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read code table header: %w", err)
	}
	bits, count := int(header[0]), int(header[1])
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("code table header declares %d bits", bits)
	}
	if count < 1 || count > 1<<uint(bits) || count > MaxTableEntries {
		return nil, fmt.Errorf("code table header declares %d entries for %d bits", count, bits)
	}

	codes := make([]uint32, count)
	if err := binary.Read(br, binary.LittleEndian, codes); err != nil {
		return nil, fmt.Errorf("failed to read %d code table entries: %w", count, err)
	}
	return NewMinStripeWidth(bits, codes)
}

// LoadMinStripeWidthFile reads a table from path.
func LoadMinStripeWidthFile(path string) (*MinStripeWidth, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open code table: %w", err)
	}
	defer f.Close()

	t, err := ReadMinStripeWidth(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// WriteTo serialises the table in the layout ReadMinStripeWidth expects.
func (t *MinStripeWidth) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	header := [2]uint32{uint32(t.bits), uint32(len(t.codes))}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, t.codes); err != nil {
		return 8, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return int64(8 + 4*len(t.codes)), nil
}

func (t *MinStripeWidth) System() System { return MinStripeWidthSystem }
func (t *MinStripeWidth) Bits() int      { return t.bits }
func (t *MinStripeWidth) Size() int      { return len(t.codes) }

func (t *MinStripeWidth) Encode(pos int) (uint32, error) {
	if pos < 0 || pos >= len(t.codes) {
		return 0, fmt.Errorf("position %d outside code table range [0,%d)", pos, len(t.codes))
	}
	return t.codes[pos], nil
}

// Decode looks code up in the inverse table. Code words past the table or
// never assigned are decode misses.
func (t *MinStripeWidth) Decode(code uint32) (int, bool) {
	return t.lookup(code)
}

func (t *MinStripeWidth) Bit(pos, bit int) bool {
	code, err := t.Encode(pos)
	if err != nil {
		return false
	}
	return bitOf(code, bit)
}

// MinStripeWidthOf returns the narrowest run of equal bits in any plane of t,
// scanning positions in order. Useful for validating a table file.
func MinStripeWidthOf(t Table) int {
	best := t.Size()
	for bit := 0; bit < t.Bits(); bit++ {
		run := 1
		first := true
		for pos := 1; pos < t.Size(); pos++ {
			if t.Bit(pos, bit) == t.Bit(pos-1, bit) {
				run++
				continue
			}
			// the leading run is cut by the table edge, not by a transition
			if !first && run < best {
				best = run
			}
			first = false
			run = 1
		}
	}
	return best
}
