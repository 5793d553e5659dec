package refine

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"slscan/internal/fsutil"
)

// ErrMetadata marks a missing or unusable metadata record. It is recoverable:
// the affected direction is skipped.
var ErrMetadata = errors.New("capture metadata unavailable")

// Metadata is the per-direction record written at capture time.
type Metadata struct {
	// Angle is the stripe tilt in degrees away from the nominal orientation
	// of its direction.
	Angle *float64 `yaml:"angle"`
}

// LoadMetadata reads a metadata record and returns its stripe angle.
func LoadMetadata(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMetadata, err)
	}

	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrMetadata, path, err)
	}
	if md.Angle == nil {
		return 0, fmt.Errorf("%w: %s has no angle", ErrMetadata, path)
	}
	if math.IsNaN(*md.Angle) || math.IsInf(*md.Angle, 0) {
		return 0, fmt.Errorf("%w: %s has non-finite angle", ErrMetadata, path)
	}
	return *md.Angle, nil
}

// SaveMetadata writes a record with the given angle.
func SaveMetadata(path string, angle float64) error {
	data, err := yaml.Marshal(Metadata{Angle: &angle})
	if err != nil {
		return fmt.Errorf("error marshaling metadata: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data)
}
