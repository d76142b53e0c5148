package rgw

import (
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/source"
)

// Source adapts the `rgw:` config block to source.Source. Each entry
// under `rgw:` names one bucket to mirror.
type Source struct {
	units    []config.SourceUnit
	settings config.Settings
}

// NewSource builds a Source from configured units and the global
// settings block (rgw-server/rgw-secure/rgw-workers/probabilities all
// live there rather than per-unit).
func NewSource(units []config.SourceUnit, settings config.Settings) *Source {
	return &Source{units: units, settings: settings}
}

// Label implements source.Source.
func (s *Source) Label() string { return "rgw" }

// Units implements source.Source.
func (s *Source) Units() ([]source.Unit, error) {
	result := make([]source.Unit, 0, len(s.units))
	for _, su := range s.units {
		u, err := NewUnit(su, s.settings)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
