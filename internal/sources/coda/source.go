package coda

import (
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/source"
)

// Source adapts the `coda:` config block to source.Source.
type Source struct {
	units                                  []config.SourceUnit
	sshPath, volutilPath, codadump2tarPath string
	fullProbability                        float64
}

// NewSource builds a Source from configured units, resolved binary
// paths (empty strings fall back to $PATH lookup of the bare names),
// and the configured full-dump probability ("coda-full-probability").
func NewSource(units []config.SourceUnit, sshPath, volutilPath, codadump2tarPath string, fullProbability float64) *Source {
	return &Source{units: units, sshPath: sshPath, volutilPath: volutilPath, codadump2tarPath: codadump2tarPath, fullProbability: fullProbability}
}

// Label implements source.Source.
func (s *Source) Label() string { return "coda" }

// Units implements source.Source.
func (s *Source) Units() ([]source.Unit, error) {
	result := make([]source.Unit, 0, len(s.units))
	for _, su := range s.units {
		u, err := NewUnit(su, s.sshPath, s.volutilPath, s.codadump2tarPath, s.fullProbability)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
