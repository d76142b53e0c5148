package main

import (
	"fmt"

	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/source"
	"github.com/cmusatyalab/deltaic/internal/sources/coda"
	"github.com/cmusatyalab/deltaic/internal/sources/github"
	"github.com/cmusatyalab/deltaic/internal/sources/rbd"
	"github.com/cmusatyalab/deltaic/internal/sources/rgw"
	"github.com/cmusatyalab/deltaic/internal/sources/rsync"
)

// binPath resolves an external tool's path, honoring settings.binary-paths
// and otherwise falling back to the bare command name so $PATH resolves
// it, matching every source constructor's expectation of a resolved (or
// resolvable) executable path.
func binPath(s config.Settings, tool string) string {
	if p, ok := s.BinaryPaths[tool]; ok && p != "" {
		return p
	}
	return tool
}

// buildSourceRegistry wires every configured source (rsync, coda, rbd,
// rgw, github) into a source.Registry. rsync, coda, rbd and rgw are
// registered even with no configured units (an empty Units() list); the
// github source is built and registered only when the config lists
// GitHub units.
func buildSourceRegistry(cfg *config.Config) (*source.Registry, error) {
	reg := source.NewRegistry()
	s := cfg.Settings

	reg.Register(rsync.NewSource(cfg.Rsync, binPath(s, "rsync"), s.Probability("rsync-scrub-probability")))
	reg.Register(coda.NewSource(cfg.Coda, binPath(s, "ssh"), binPath(s, "volutil"), binPath(s, "codadump2tar"), s.Probability("coda-full-probability")))
	reg.Register(rbd.NewSource(cfg.RBD, binPath(s, "rbd")))
	reg.Register(rgw.NewSource(cfg.RGW, s))

	if len(cfg.GitHub) > 0 {
		gh, err := github.NewSource(cfg.GitHub, s)
		if err != nil {
			return nil, fmt.Errorf("wiring github source: %w", err)
		}
		reg.Register(gh)
	}

	return reg, nil
}

// lookupUnit finds unit within source sourceLabel, returning an error
// cobra can surface directly if either the source or the unit is unknown.
func lookupUnit(reg *source.Registry, sourceLabel, unitName string) (source.Unit, error) {
	src, ok := reg.Lookup(sourceLabel)
	if !ok {
		return nil, fmt.Errorf("unknown source %q", sourceLabel)
	}
	units, err := src.Units()
	if err != nil {
		return nil, fmt.Errorf("listing %s units: %w", sourceLabel, err)
	}
	for _, u := range units {
		if u.Name() == unitName {
			return u, nil
		}
	}
	return nil, fmt.Errorf("source %q has no unit %q", sourceLabel, unitName)
}
