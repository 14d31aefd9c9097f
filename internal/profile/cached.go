package profile

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached puts an expiring LRU in front of a Repository for the lookups made
// on the packet-filtering path. Device listings are not cached.
type Cached struct {
	Repository
	profiles  *expirable.LRU[string, *Profile]
	addresses *expirable.LRU[string, *Device]
}

// NewCached wraps repo with caches of the given size and TTL.
func NewCached(repo Repository, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{
		Repository: repo,
		profiles:   expirable.NewLRU[string, *Profile](size, nil, ttl),
		addresses:  expirable.NewLRU[string, *Device](size, nil, ttl),
	}
}

// EffectiveProfile returns the cached profile for a device. Misses are not
// cached so a newly added device becomes visible immediately.
func (c *Cached) EffectiveProfile(ctx context.Context, deviceID string) (*Profile, error) {
	if p, ok := c.profiles.Get(deviceID); ok {
		return p, nil
	}
	p, err := c.Repository.EffectiveProfile(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	c.profiles.Add(deviceID, p)
	return p, nil
}

// DeviceByAddress returns the cached device for an IP address.
func (c *Cached) DeviceByAddress(ctx context.Context, addr string) (*Device, error) {
	if d, ok := c.addresses.Get(addr); ok {
		return d, nil
	}
	d, err := c.Repository.DeviceByAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.addresses.Add(addr, d)
	return d, nil
}

// Purge drops all cached entries.
func (c *Cached) Purge() {
	c.profiles.Purge()
	c.addresses.Purge()
}
