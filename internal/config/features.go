package config

import "sync/atomic"

// Features holds runtime feature flags that may change on reload.
type Features struct {
	timeRestriction atomic.Bool
}

// NewFeatures returns flags initialised from cfg.
func NewFeatures(cfg *Config) *Features {
	f := &Features{}
	f.Apply(cfg)
	return f
}

// Apply copies the flag values from cfg.
func (f *Features) Apply(cfg *Config) {
	f.timeRestriction.Store(cfg.Schedule.TimeRestriction)
}

// SetTimeRestriction toggles time-window enforcement.
func (f *Features) SetTimeRestriction(enabled bool) {
	f.timeRestriction.Store(enabled)
}

// TimeRestrictionEnabled reports whether time-window enforcement is on.
func (f *Features) TimeRestrictionEnabled() bool {
	return f.timeRestriction.Load()
}
