package codes

import "fmt"

// MaxBits bounds the code word width to what a uint32 accumulator can hold.
const MaxBits = 31

// Gray is the reflected binary code over [0, 2^bits). It needs no lookup
// table; both directions are closed form.
type Gray struct {
	bits int
}

// NewGray returns a Gray code table with the given number of bit planes.
func NewGray(bits int) (*Gray, error) {
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("gray code bits must be in [1,%d], got %d", MaxBits, bits)
	}
	return &Gray{bits: bits}, nil
}

func (g *Gray) System() System { return GraySystem }
func (g *Gray) Bits() int      { return g.bits }
func (g *Gray) Size() int      { return 1 << uint(g.bits) }

// Encode returns pos ^ (pos >> 1).
func (g *Gray) Encode(pos int) (uint32, error) {
	if pos < 0 || pos >= g.Size() {
		return 0, fmt.Errorf("position %d outside gray code range [0,%d)", pos, g.Size())
	}
	p := uint32(pos)
	return p ^ (p >> 1), nil
}

// Decode inverts the reflected code by successive XOR folds, one per
// doubling of the shift, so it costs O(log bits).
func (g *Gray) Decode(code uint32) (int, bool) {
	if code>>uint(g.bits) != 0 {
		return 0, false
	}
	for shift := uint(1); shift < uint(g.bits); shift <<= 1 {
		code ^= code >> shift
	}
	return int(code), true
}

func (g *Gray) Bit(pos, bit int) bool {
	code, err := g.Encode(pos)
	if err != nil {
		return false
	}
	return bitOf(code, bit)
}
