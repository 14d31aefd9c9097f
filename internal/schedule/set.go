package schedule

import (
	"sort"
	"time"
)

// RestrictedSet is an immutable set of device IDs outside their contingents.
type RestrictedSet struct {
	ids map[string]struct{}
}

// NewRestrictedSet builds a set from device IDs.
func NewRestrictedSet(ids ...string) RestrictedSet {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return RestrictedSet{ids: m}
}

// Contains reports whether the device is restricted.
func (s RestrictedSet) Contains(deviceID string) bool {
	_, ok := s.ids[deviceID]
	return ok
}

// Len returns the number of restricted devices.
func (s RestrictedSet) Len() int {
	return len(s.ids)
}

// IDs returns the restricted device IDs in sorted order.
func (s RestrictedSet) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Equal reports set equality.
func (s RestrictedSet) Equal(other RestrictedSet) bool {
	if len(s.ids) != len(other.ids) {
		return false
	}
	for id := range s.ids {
		if _, ok := other.ids[id]; !ok {
			return false
		}
	}
	return true
}

// RestrictionChange carries the complete new restricted set.
type RestrictionChange struct {
	Restricted RestrictedSet
	At         time.Time
}
