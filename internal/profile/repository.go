package profile

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Repository resolves devices, users and their effective profiles.
type Repository interface {
	Devices(ctx context.Context) ([]Device, error)
	Device(ctx context.Context, id string) (*Device, error)
	DeviceByAddress(ctx context.Context, addr string) (*Device, error)
	User(ctx context.Context, id string) (*User, error)
	EffectiveProfile(ctx context.Context, deviceID string) (*Profile, error)
	UserProfile(ctx context.Context, userID string) (*Profile, error)
}

// Catalog is an immutable set of devices, users and profiles.
type Catalog struct {
	Devices  []Device
	Users    []User
	Profiles []Profile
}

// Validate checks referential integrity and profile contents.
func (c *Catalog) Validate() error {
	profiles := make(map[string]struct{}, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.ID == "" {
			return fmt.Errorf("profile without id")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		profiles[p.ID] = struct{}{}
	}

	users := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("user without id")
		}
		if _, ok := profiles[u.ProfileID]; !ok && u.ProfileID != "" {
			return fmt.Errorf("user %s references unknown profile %s", u.ID, u.ProfileID)
		}
		users[u.ID] = struct{}{}
	}

	seen := make(map[string]string)
	for _, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device without id")
		}
		if _, ok := users[d.UserID]; !ok && d.UserID != "" {
			return fmt.Errorf("device %s references unknown user %s", d.ID, d.UserID)
		}
		for _, addr := range d.Addresses {
			if net.ParseIP(addr) == nil {
				return fmt.Errorf("device %s: invalid address %s", d.ID, addr)
			}
			if other, ok := seen[addr]; ok {
				return fmt.Errorf("address %s assigned to both %s and %s", addr, other, d.ID)
			}
			seen[addr] = d.ID
		}
	}
	return nil
}

type index struct {
	devices   map[string]Device
	addresses map[string]string
	users     map[string]User
	profiles  map[string]Profile
	order     []string
}

func newIndex(c Catalog) *index {
	idx := &index{
		devices:   make(map[string]Device, len(c.Devices)),
		addresses: make(map[string]string),
		users:     make(map[string]User, len(c.Users)),
		profiles:  make(map[string]Profile, len(c.Profiles)),
	}
	for _, d := range c.Devices {
		idx.devices[d.ID] = d
		idx.order = append(idx.order, d.ID)
		for _, addr := range d.Addresses {
			idx.addresses[net.ParseIP(addr).String()] = d.ID
		}
	}
	sort.Strings(idx.order)
	for _, u := range c.Users {
		idx.users[u.ID] = u
	}
	for _, p := range c.Profiles {
		idx.profiles[p.ID] = p
	}
	return idx
}

// MemoryRepository serves a Catalog from memory. The catalog can be swapped
// atomically with Replace, e.g. on configuration reload.
type MemoryRepository struct {
	mu  sync.RWMutex
	idx *index
}

// NewMemoryRepository returns a repository over c.
func NewMemoryRepository(c Catalog) *MemoryRepository {
	return &MemoryRepository{idx: newIndex(c)}
}

// Replace swaps the served catalog.
func (r *MemoryRepository) Replace(c Catalog) {
	idx := newIndex(c)
	r.mu.Lock()
	r.idx = idx
	r.mu.Unlock()
}

func (r *MemoryRepository) current() *index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idx
}

// Devices returns all devices ordered by ID.
func (r *MemoryRepository) Devices(_ context.Context) ([]Device, error) {
	idx := r.current()
	devices := make([]Device, 0, len(idx.order))
	for _, id := range idx.order {
		devices = append(devices, idx.devices[id])
	}
	return devices, nil
}

// Device returns a device by ID.
func (r *MemoryRepository) Device(_ context.Context, id string) (*Device, error) {
	d, ok := r.current().devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

// DeviceByAddress returns the device owning an IP address.
func (r *MemoryRepository) DeviceByAddress(ctx context.Context, addr string) (*Device, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}
	id, ok := r.current().addresses[ip.String()]
	if !ok {
		return nil, fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}
	return r.Device(ctx, id)
}

// User returns a user by ID.
func (r *MemoryRepository) User(_ context.Context, id string) (*User, error) {
	u, ok := r.current().users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

// UserProfile returns the profile bound to a user.
func (r *MemoryRepository) UserProfile(_ context.Context, userID string) (*Profile, error) {
	idx := r.current()
	u, ok := idx.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	p, ok := idx.profiles[u.ProfileID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", u.ProfileID, ErrNotFound)
	}
	return &p, nil
}

// EffectiveProfile follows device -> user -> profile.
func (r *MemoryRepository) EffectiveProfile(ctx context.Context, deviceID string) (*Profile, error) {
	d, err := r.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.UserID == "" {
		return nil, fmt.Errorf("device %s has no user: %w", deviceID, ErrNotFound)
	}
	return r.UserProfile(ctx, d.UserID)
}
