package decode

import (
	"fmt"

	"slscan/internal/models"
	"slscan/pkg/codes"
)

// Session accumulates one code word and one unknown mask per pixel for a
// single (projector, position, direction) capture. Bits must arrive in
// strictly increasing order.
type Session struct {
	width, height int
	codeWords     []uint32
	unknownMasks  []uint32
	lastBit       int
	seen          uint32
}

// NewSession allocates the accumulators for a width x height capture.
func NewSession(width, height int) *Session {
	return &Session{
		width:        width,
		height:       height,
		codeWords:    make([]uint32, width*height),
		unknownMasks: make([]uint32, width*height),
		lastBit:      -1,
	}
}

// Width returns the capture width.
func (s *Session) Width() int { return s.width }

// Height returns the capture height.
func (s *Session) Height() int { return s.height }

// Classify classifies one exposure pair and folds the result into bit.
func (s *Session) Classify(normal, inverted *Plane, bit int, opts ClassifyOptions) ([]Classification, error) {
	if normal.Width != s.width || normal.Height != s.height {
		return nil, fmt.Errorf("%w: bit %d frame is %dx%d, session is %dx%d", ErrDimensionMismatch,
			bit, normal.Width, normal.Height, s.width, s.height)
	}
	if err := s.checkBit(bit); err != nil {
		return nil, err
	}
	classes, err := Classify(normal, inverted, opts)
	if err != nil {
		return nil, fmt.Errorf("bit %d: %w", bit, err)
	}
	if err := s.Accumulate(bit, classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// Accumulate sets bit in each White pixel's code word and in each Unknown
// pixel's mask.
func (s *Session) Accumulate(bit int, classes []Classification) error {
	if err := s.checkBit(bit); err != nil {
		return err
	}
	if len(classes) != len(s.codeWords) {
		return fmt.Errorf("%w: %d classifications for a %dx%d session", ErrDimensionMismatch,
			len(classes), s.width, s.height)
	}

	mask := uint32(1) << uint(bit)
	for i, c := range classes {
		switch c {
		case White:
			s.codeWords[i] |= mask
		case Unknown:
			s.unknownMasks[i] |= mask
		}
	}
	s.lastBit = bit
	s.seen |= mask
	return nil
}

func (s *Session) checkBit(bit int) error {
	if bit < 0 || bit > codes.MaxBits {
		return fmt.Errorf("bit index %d outside [0,%d]", bit, codes.MaxBits)
	}
	if bit <= s.lastBit {
		return fmt.Errorf("bit %d processed after bit %d; bits must be strictly increasing", bit, s.lastBit)
	}
	return nil
}

// CodeWords exposes the accumulated code words. The slice must not be
// modified.
func (s *Session) CodeWords() []uint32 { return s.codeWords }

// UnknownMasks exposes the accumulated unknown masks. The slice must not be
// modified.
func (s *Session) UnknownMasks() []uint32 { return s.unknownMasks }

// Complete reports whether bits 0..bits-1 have all been accumulated.
func (s *Session) Complete(bits int) bool {
	want := uint32(1)<<uint(bits) - 1
	return s.seen&want == want
}

// Build decodes the session with table once every bit plane of the table
// has been accumulated.
func (s *Session) Build(table codes.Table, workers int) (*models.PositionMap, BuildStats, error) {
	if !s.Complete(table.Bits()) {
		return nil, BuildStats{}, fmt.Errorf("session incomplete: %d-bit table, accumulated mask %#x", table.Bits(), s.seen)
	}
	return BuildPositionMapWorkers(s.codeWords, s.unknownMasks, table, s.width, s.height, workers)
}
