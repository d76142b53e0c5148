package rbd

import (
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/source"
)

// Source adapts the `rbd:` config block to source.Source.
type Source struct {
	units   []config.SourceUnit
	rbdPath string
}

// NewSource builds a Source from configured units and a resolved rbd(8)
// path (empty falls back to $PATH lookup of "rbd").
func NewSource(units []config.SourceUnit, rbdPath string) *Source {
	return &Source{units: units, rbdPath: rbdPath}
}

// Label implements source.Source.
func (s *Source) Label() string { return "rbd" }

// Units implements source.Source.
func (s *Source) Units() ([]source.Unit, error) {
	result := make([]source.Unit, 0, len(s.units))
	for _, su := range s.units {
		u, err := NewUnit(su, s.rbdPath)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
