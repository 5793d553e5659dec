// Package stereo turns decoded position maps from two viewpoints into
// rectified maps, label-based disparities, chained long-baseline disparities
// and correspondences in original camera pixels.
package stereo

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
	"gonum.org/v1/gonum/mat"

	"slscan/internal/fsutil"
)

// ErrMissingCalibration is returned when an intrinsics or extrinsics file
// cannot be read. It fails the job that needed it and nothing else.
var ErrMissingCalibration = errors.New("calibration unavailable")

// Intrinsics is a single-camera calibration.
type Intrinsics struct {
	// Pattern names the calibration target (chessboard, aruco).
	Pattern string `yaml:"pattern"`
	// Width and Height are the calibrated image size in pixels.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// K is the row-major 3x3 camera matrix.
	K []float64 `yaml:"k"`
	// Dist holds Brown-Conrady coefficients k1, k2, p1, p2, k3. Missing
	// trailing coefficients are zero.
	Dist []float64 `yaml:"dist"`
}

// Extrinsics relates two camera frames: x_right = R*x_left + T.
type Extrinsics struct {
	Pattern string    `yaml:"pattern"`
	R       []float64 `yaml:"r"`
	T       []float64 `yaml:"t"`
}

// Matrix returns K as a gonum matrix.
func (in *Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), in.K...))
}

// Coefficients returns the five distortion coefficients, zero-padded.
func (in *Intrinsics) Coefficients() [5]float64 {
	var d [5]float64
	copy(d[:], in.Dist)
	return d
}

// Validate checks shapes and that K is invertible.
func (in *Intrinsics) Validate() error {
	if len(in.K) != 9 {
		return fmt.Errorf("intrinsics: k must have 9 entries, got %d", len(in.K))
	}
	if len(in.Dist) > 5 {
		return fmt.Errorf("intrinsics: at most 5 distortion coefficients, got %d", len(in.Dist))
	}
	if in.Width < 0 || in.Height < 0 {
		return fmt.Errorf("intrinsics: negative image size %dx%d", in.Width, in.Height)
	}
	if math.Abs(mat.Det(in.Matrix())) < 1e-12 {
		return fmt.Errorf("intrinsics: camera matrix is singular")
	}
	return nil
}

// Rotation returns R as a gonum matrix.
func (ex *Extrinsics) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), ex.R...))
}

// Validate checks shapes, that R is a rotation and that the baseline is
// non-zero.
func (ex *Extrinsics) Validate() error {
	if len(ex.R) != 9 {
		return fmt.Errorf("extrinsics: r must have 9 entries, got %d", len(ex.R))
	}
	if len(ex.T) != 3 {
		return fmt.Errorf("extrinsics: t must have 3 entries, got %d", len(ex.T))
	}
	r := ex.Rotation()
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, identity3(), 1e-6) {
		return fmt.Errorf("extrinsics: r is not orthonormal")
	}
	if math.Abs(mat.Det(r)-1) > 1e-6 {
		return fmt.Errorf("extrinsics: r is a reflection")
	}
	if ex.T[0] == 0 && ex.T[1] == 0 && ex.T[2] == 0 {
		return fmt.Errorf("extrinsics: zero baseline")
	}
	return nil
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// LoadIntrinsics reads and validates an intrinsics file.
func LoadIntrinsics(path string) (*Intrinsics, error) {
	var in Intrinsics
	if err := loadYAML(path, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &in, nil
}

// LoadExtrinsics reads and validates an extrinsics file.
func LoadExtrinsics(path string) (*Extrinsics, error) {
	var ex Extrinsics
	if err := loadYAML(path, &ex); err != nil {
		return nil, err
	}
	if err := ex.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &ex, nil
}

func loadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingCalibration, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error parsing calibration file %s: %w", path, err)
	}
	return nil
}

// SaveIntrinsics writes in to path.
func SaveIntrinsics(path string, in *Intrinsics) error {
	return saveYAML(path, in)
}

// SaveExtrinsics writes ex to path.
func SaveExtrinsics(path string, ex *Extrinsics) error {
	return saveYAML(path, ex)
}

func saveYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling calibration: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data)
}
