// Package machine describes remote endpoints that a backend can reach.
package machine

import (
	"fmt"
	"maps"
	"sort"
)

// Key identifies a machine within a job. Machine IDs are only unique inside
// the backend that produced them, so the backend ID is always part of the key.
type Key struct {
	Backend string
	ID      string
}

// String returns the key as "backend/id".
func (k Key) String() string {
	return k.Backend + "/" + k.ID
}

// Less orders keys by backend, then ID.
func (k Key) Less(o Key) bool {
	if k.Backend != o.Backend {
		return k.Backend < o.Backend
	}
	return k.ID < o.ID
}

// Descriptor is the identity and metadata of one endpoint.
// It is immutable after New; accessors return copies.
type Descriptor struct {
	id       string
	name     string
	backend  string
	metadata map[string]string
}

// New creates a descriptor. The metadata map is copied.
func New(backendID, id, name string, metadata map[string]string) Descriptor {
	if name == "" {
		name = id
	}
	return Descriptor{
		id:       id,
		name:     name,
		backend:  backendID,
		metadata: maps.Clone(metadata),
	}
}

// ID returns the backend-local identifier.
func (d Descriptor) ID() string { return d.id }

// Name returns the display name (hostname, container name, ...).
func (d Descriptor) Name() string { return d.name }

// Backend returns the ID of the backend that owns the machine.
func (d Descriptor) Backend() string { return d.backend }

// Key returns the job-scoped identity of the machine.
func (d Descriptor) Key() Key {
	return Key{Backend: d.backend, ID: d.id}
}

// Meta returns a single metadata value.
func (d Descriptor) Meta(key string) (string, bool) {
	v, ok := d.metadata[key]
	return v, ok
}

// Metadata returns a copy of all metadata.
func (d Descriptor) Metadata() map[string]string {
	return maps.Clone(d.metadata)
}

// IsZero reports whether the descriptor was never initialized.
func (d Descriptor) IsZero() bool {
	return d.id == "" && d.backend == ""
}

// String returns a human-readable description of the machine.
func (d Descriptor) String() string {
	if d.name != "" && d.name != d.id {
		return fmt.Sprintf("%s (%s)", d.name, d.Key())
	}
	return d.Key().String()
}

// Matches reports whether every key/value in want is present in the metadata.
func (d Descriptor) Matches(want map[string]string) bool {
	for k, v := range want {
		if d.metadata[k] != v {
			return false
		}
	}
	return true
}

// SortByKey orders descriptors by backend then ID, in place.
func SortByKey(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].Key().Less(ds[j].Key())
	})
}
