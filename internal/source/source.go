// Package source defines the plugin contract every mirror reconciler
// implements and the worker pool that runs them. Sources are registered
// in an explicit string-keyed table at program start (main.go), not
// discovered via reflection or build tags — see spec.md's design note
// on replacing Python's __subclasses__()/entry-points registries with a
// plain Go map.
package source

import "context"

// Unit is one backup target within a source (one rsync host, one Coda
// volume, one RBD image, one RGW bucket, one GitHub org).
type Unit interface {
	// Name identifies the unit within its source, used to build mirror
	// paths and log file names.
	Name() string
	// Backup performs one incremental (or, if forced, full) reconcile
	// pass into root, which is the mirror-tree directory reserved for
	// this unit. scrub requests the reconciler's consistency-check mode
	// where it has one (RBD scrub, rsync --checksum, GitHub git fsck).
	Backup(ctx context.Context, root string, scrub bool) error
}

// Source enumerates its configured units and identifies itself in mirror
// paths and CLI subcommands.
type Source interface {
	// Label is the source's bare name (rsync, coda, rbd, rgw, github),
	// used as the top-level mirror directory and config key.
	Label() string
	// Units returns every configured unit for this source, in
	// configuration order.
	Units() ([]Unit, error)
}

// Registry is the explicit plugin table populated at startup.
type Registry struct {
	sources map[string]Source
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds s under its own Label(). Registering two sources with
// the same label panics — this is a programming error caught at
// startup wiring, never at runtime during a scheduled run.
func (r *Registry) Register(s Source) {
	label := s.Label()
	if _, exists := r.sources[label]; exists {
		panic("source: duplicate registration for label " + label)
	}
	r.sources[label] = s
}

// Lookup returns the source registered under label, if any.
func (r *Registry) Lookup(label string) (Source, bool) {
	s, ok := r.sources[label]
	return s, ok
}

// Labels returns every registered source label, in no particular order.
func (r *Registry) Labels() []string {
	labels := make([]string, 0, len(r.sources))
	for label := range r.sources {
		labels = append(labels, label)
	}
	return labels
}
