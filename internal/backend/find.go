package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/eugenetaranov/leet/internal/machine"
)

// LastSeenKey is the metadata key backends use for the last check-in time,
// formatted as RFC 3339.
const LastSeenKey = "last_seen"

// FindByNames looks up each name on b. When a backend reports several
// machines for the same name, the one seen most recently wins. Names with
// no match are returned separately.
func FindByNames(ctx context.Context, b Backend, names []string) ([]machine.Descriptor, []string, error) {
	found, err := b.ListMachines(ctx, Filter{Names: names})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list machines on %s: %w", b.ID(), err)
	}

	byName := make(map[string]machine.Descriptor)
	for _, m := range found {
		for _, key := range []string{m.Name(), m.ID()} {
			cur, ok := byName[key]
			if !ok || lastSeen(m).After(lastSeen(cur)) {
				byName[key] = m
			}
		}
	}

	var (
		out     []machine.Descriptor
		missing []string
		seen    = make(map[machine.Key]bool)
	)
	for _, name := range names {
		m, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		out = append(out, m)
	}
	return out, missing, nil
}

func lastSeen(m machine.Descriptor) time.Time {
	v, ok := m.Meta(LastSeenKey)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
