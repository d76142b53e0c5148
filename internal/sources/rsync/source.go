package rsync

import (
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/source"
)

// Source adapts a slice of configured rsync units to source.Source.
type Source struct {
	units            []config.SourceUnit
	path             string
	scrubProbability float64
}

// NewSource builds a Source from the `rsync:` config block and the
// configured scrub probability ("rsync-scrub-probability").
func NewSource(units []config.SourceUnit, rsyncPath string, scrubProbability float64) *Source {
	return &Source{units: units, path: rsyncPath, scrubProbability: scrubProbability}
}

// Label implements source.Source.
func (s *Source) Label() string { return "rsync" }

// Units implements source.Source.
func (s *Source) Units() ([]source.Unit, error) {
	result := make([]source.Unit, 0, len(s.units))
	for _, su := range s.units {
		u, err := NewUnit(su, s.path, s.scrubProbability)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
