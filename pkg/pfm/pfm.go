// Package pfm reads and writes single-channel float rasters.
//
// The on-disk layout is a three line text header
//
//	Pf
//	<height> <width>
//	-1
//
// followed by width*height little-endian float32 values. Pixels are written in
// rotated order: in-memory index i (row-major, top-left origin) is stored at
// RotateIndex(i, w, h). Downstream tools rely on this orientation, so it is
// part of the format rather than a display choice. Undecoded pixels are +Inf.
package pfm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"slscan/internal/fsutil"
	"slscan/internal/models"
)

// MaxPixels bounds the rasters Decode accepts. A header claiming more is
// treated as corrupt.
const MaxPixels = 1 << 28

// RotateIndex maps in-memory index i of a w x h raster to its file index.
func RotateIndex(i, w, h int) int {
	return (w*h - 1) - h*(i%w) - i/w
}

// UnrotateIndex is the inverse of RotateIndex.
func UnrotateIndex(j, w, h int) int {
	k := (w*h - 1) - j
	x, y := k/h, k%h
	return y*w + x
}

// Encode writes data (row-major, w x h) to out.
func Encode(out io.Writer, data []float32, w, h int) error {
	if len(data) != w*h {
		return fmt.Errorf("pfm: %d values for a %dx%d raster", len(data), w, h)
	}
	bw := bufio.NewWriter(out)
	if _, err := fmt.Fprintf(bw, "Pf\n%d %d\n-1\n", h, w); err != nil {
		return err
	}

	rotated := make([]float32, len(data))
	for i, v := range data {
		rotated[RotateIndex(i, w, h)] = v
	}
	if err := binary.Write(bw, binary.LittleEndian, rotated); err != nil {
		return fmt.Errorf("pfm: write body: %w", err)
	}
	return bw.Flush()
}

// Decode reads a raster written by Encode and returns it in row-major order.
// A positive scale in the header selects a big-endian body.
func Decode(in io.Reader) (data []float32, w, h int, err error) {
	br := bufio.NewReader(in)

	magic, err := readToken(br)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("pfm: read magic: %w", err)
	}
	if magic != "Pf" {
		return nil, 0, 0, fmt.Errorf("pfm: unsupported magic %q", magic)
	}

	var fields [3]string
	for i := range fields {
		if fields[i], err = readToken(br); err != nil {
			return nil, 0, 0, fmt.Errorf("pfm: read header: %w", err)
		}
	}
	if h, err = strconv.Atoi(fields[0]); err != nil || h <= 0 {
		return nil, 0, 0, fmt.Errorf("pfm: bad height %q", fields[0])
	}
	if w, err = strconv.Atoi(fields[1]); err != nil || w <= 0 {
		return nil, 0, 0, fmt.Errorf("pfm: bad width %q", fields[1])
	}
	scale, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || scale == 0 {
		return nil, 0, 0, fmt.Errorf("pfm: bad scale %q", fields[2])
	}

	if w > MaxPixels/h {
		return nil, 0, 0, fmt.Errorf("pfm: %dx%d raster exceeds %d pixels", w, h, MaxPixels)
	}
	if n, ok := remaining(in, br); ok && n < int64(w)*int64(h)*4 {
		return nil, 0, 0, fmt.Errorf("pfm: %dx%d raster needs %d bytes, %d left", w, h, int64(w)*int64(h)*4, n)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if scale > 0 {
		order = binary.BigEndian
	}

	rotated := make([]float32, w*h)
	if err := binary.Read(br, order, rotated); err != nil {
		return nil, 0, 0, fmt.Errorf("pfm: read %dx%d body: %w", w, h, err)
	}

	data = make([]float32, w*h)
	for j, v := range rotated {
		data[UnrotateIndex(j, w, h)] = v
	}
	return data, w, h, nil
}

// remaining reports how many body bytes are left when the source can tell:
// files by their size and offset, in-memory readers by their length.
func remaining(in io.Reader, br *bufio.Reader) (int64, bool) {
	switch src := in.(type) {
	case *os.File:
		fi, err := src.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return 0, false
		}
		pos, err := src.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, false
		}
		return fi.Size() - pos + int64(br.Buffered()), true
	case interface{ Len() int }:
		return int64(src.Len() + br.Buffered()), true
	}
	return 0, false
}

// readToken returns the next whitespace separated header token and consumes
// exactly one trailing whitespace byte, so the body starts right after the
// scale line.
func readToken(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if c == ' ' || c == '\n' || c == '\r' || c == '\t' {
			if sb.Len() == 0 {
				continue
			}
			return sb.String(), nil
		}
		sb.WriteByte(c)
	}
}

// WritePositionMap atomically writes m to path.
func WritePositionMap(path string, m *models.PositionMap) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, m.Data, m.Width, m.Height)
	})
}

// ReadPositionMap loads a position map from path.
func ReadPositionMap(path string) (*models.PositionMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, w, h, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &models.PositionMap{Width: w, Height: h, Data: data}, nil
}

// WriteDisparity writes the two planes of d to xPath and yPath.
func WriteDisparity(xPath, yPath string, d *models.DisparityMap) error {
	if err := fsutil.WriteAtomic(xPath, func(w io.Writer) error {
		return Encode(w, d.DX, d.Width, d.Height)
	}); err != nil {
		return err
	}
	return fsutil.WriteAtomic(yPath, func(w io.Writer) error {
		return Encode(w, d.DY, d.Width, d.Height)
	})
}

// ReadDisparity loads the two planes written by WriteDisparity.
func ReadDisparity(xPath, yPath string) (*models.DisparityMap, error) {
	dx, err := ReadPositionMap(xPath)
	if err != nil {
		return nil, err
	}
	dy, err := ReadPositionMap(yPath)
	if err != nil {
		return nil, err
	}
	if dx.Width != dy.Width || dx.Height != dy.Height {
		return nil, fmt.Errorf("disparity planes differ in size: %s is %dx%d, %s is %dx%d",
			xPath, dx.Width, dx.Height, yPath, dy.Width, dy.Height)
	}
	return &models.DisparityMap{Width: dx.Width, Height: dx.Height, DX: dx.Data, DY: dy.Data}, nil
}

// IsInvalid reports whether v is the on-disk invalid marker.
func IsInvalid(v float32) bool {
	return math.IsInf(float64(v), 1)
}
