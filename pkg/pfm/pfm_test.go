package pfm

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slscan/internal/models"
)

func TestRotateIndexIsPermutation(t *testing.T) {
	for _, dims := range [][2]int{{1, 1}, {3, 2}, {2, 3}, {7, 5}, {16, 16}} {
		w, h := dims[0], dims[1]
		seen := make([]bool, w*h)
		for i := 0; i < w*h; i++ {
			j := RotateIndex(i, w, h)
			require.True(t, j >= 0 && j < w*h, "index %d of %dx%d rotated out of range: %d", i, w, h, j)
			require.False(t, seen[j], "index %d of %dx%d collides at %d", i, w, h, j)
			seen[j] = true
			require.Equal(t, i, UnrotateIndex(j, w, h))
		}
	}
}

func TestRotateIndexFormula(t *testing.T) {
	// 3 wide, 2 high: first pixel lands last, pixel below it lands one before.
	assert.Equal(t, 5, RotateIndex(0, 3, 2))
	assert.Equal(t, 4, RotateIndex(3, 3, 2))
	assert.Equal(t, 3, RotateIndex(1, 3, 2))
	assert.Equal(t, 0, RotateIndex(5, 3, 2))
}

func TestEncodeLayout(t *testing.T) {
	data := []float32{0, 1, 2, 3, 4, 5}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, data, 3, 2))

	header := "Pf\n2 3\n-1\n"
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte(header)))

	body := make([]float32, 6)
	require.NoError(t, binary.Read(bytes.NewReader(buf.Bytes()[len(header):]), binary.LittleEndian, body))
	assert.Equal(t, []float32{5, 2, 4, 1, 3, 0}, body)
}

func TestRoundTripPreservesEveryPixel(t *testing.T) {
	m := models.NewPositionMap(5, 3)
	for i := range m.Data {
		if i%4 != 0 {
			m.Data[i] = float32(i) * 1.5
		}
	}

	path := filepath.Join(t.TempDir(), "decoded", "result0x.pfm")
	require.NoError(t, WritePositionMap(path, m))

	got, err := ReadPositionMap(path)
	require.NoError(t, err)
	require.Equal(t, m.Width, got.Width)
	require.Equal(t, m.Height, got.Height)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			want := m.At(x, y)
			if !models.IsValid(want) {
				assert.True(t, IsInvalid(got.At(x, y)), "(%d,%d) should stay invalid", x, y)
				continue
			}
			assert.Equal(t, want, got.At(x, y), "(%d,%d)", x, y)
		}
	}
}

func TestDecodeBigEndian(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("Pf\n1 2\n1.0\n")
	// file index 0 holds in-memory index 1 for a 2x1 raster
	binary.Write(&buf, binary.BigEndian, []float32{7, 3})

	data, w, h, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	assert.Equal(t, []float32{3, 7}, data)
}

func TestDecodeErrors(t *testing.T) {
	for name, input := range map[string]string{
		"magic":     "PF\n1 1\n-1\n\x00\x00\x00\x00",
		"height":    "Pf\nx 1\n-1\n",
		"scale":     "Pf\n1 1\n0\n",
		"truncated": "Pf\n2 2\n-1\n\x00\x00",
		"oversized": "Pf\n3037000500 3037000500\n-1\n\x00\x00\x00\x00",
		"overflow":  "Pf\n4611686018427387904 4\n-1\n\x00\x00\x00\x00",
		"short":     "Pf\n4096 4096\n-1\n\x00\x00\x00\x00",
	} {
		_, _, _, err := Decode(bytes.NewBufferString(input))
		assert.Error(t, err, name)
	}
	assert.Error(t, Encode(&bytes.Buffer{}, []float32{1}, 2, 2))
}

func TestReadPositionMapRejectsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.pfm")
	require.NoError(t, os.WriteFile(path, []byte("Pf\n8192 8192\n-1\n\x00\x00\x00\x00"), 0644))
	_, err := ReadPositionMap(path)
	assert.ErrorContains(t, err, "bytes")
}

func TestDisparityRoundTrip(t *testing.T) {
	d := models.NewDisparityMap(4, 2)
	d.Set(1, 1, 3, -0.5)
	dir := t.TempDir()
	xPath, yPath := filepath.Join(dir, "dispx.pfm"), filepath.Join(dir, "dispy.pfm")

	require.NoError(t, WriteDisparity(xPath, yPath, d))
	got, err := ReadDisparity(xPath, yPath)
	require.NoError(t, err)

	dx, dy, ok := got.At(1, 1)
	assert.True(t, ok)
	assert.Equal(t, float32(3), dx)
	assert.Equal(t, float32(-0.5), dy)
	_, _, ok = got.At(0, 0)
	assert.False(t, ok)
	assert.True(t, math.IsInf(float64(got.DX[0]), 1))
}
