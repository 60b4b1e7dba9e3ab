package peerpool

import "time"

// Options holds the pool's timing and sizing knobs
type Options struct {
	RequestTimeout time.Duration
	StatusTimeout  time.Duration
	// StatusMaxAge is how old a peer's last status may be before a successful
	// request triggers a background re-probe instead of a plain touch.
	StatusMaxAge time.Duration

	SlowLatency    time.Duration
	StaleTTL       time.Duration
	SlowTTL        time.Duration
	DeathTTL       time.Duration
	DeathThreshold int

	HealthInitialDelay time.Duration
	HealthInterval     time.Duration
	HealthSampleSize   int

	OnChainInitialDelay    time.Duration
	OnChainRefreshInterval time.Duration
	ValidatorPageSize      int
	ValidatorMaxPages      int
	ValidatorPageTimeout   time.Duration
	// DisableDiscovery keeps Start from launching the on-chain refresh loop
	DisableDiscovery bool

	GRPCDialTimeout time.Duration
	GRPCIdleTimeout time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 12 * time.Second,
		StatusTimeout:  7 * time.Second,
		StatusMaxAge:   30 * time.Second,

		SlowLatency:    2500 * time.Millisecond,
		StaleTTL:       20 * time.Minute,
		SlowTTL:        5 * time.Minute,
		DeathTTL:       30 * time.Minute,
		DeathThreshold: 3,

		HealthInitialDelay: 250 * time.Millisecond,
		HealthInterval:     10 * time.Second,
		HealthSampleSize:   3,

		OnChainInitialDelay:    time.Second,
		OnChainRefreshInterval: 15 * time.Minute,
		ValidatorPageSize:      200,
		ValidatorMaxPages:      10,
		ValidatorPageTimeout:   20 * time.Second,

		GRPCDialTimeout: 10 * time.Second,
		GRPCIdleTimeout: 5 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = d.StatusTimeout
	}
	if o.StatusMaxAge <= 0 {
		o.StatusMaxAge = d.StatusMaxAge
	}
	if o.SlowLatency <= 0 {
		o.SlowLatency = d.SlowLatency
	}
	if o.StaleTTL <= 0 {
		o.StaleTTL = d.StaleTTL
	}
	if o.SlowTTL <= 0 {
		o.SlowTTL = d.SlowTTL
	}
	if o.DeathTTL <= 0 {
		o.DeathTTL = d.DeathTTL
	}
	if o.DeathThreshold <= 0 {
		o.DeathThreshold = d.DeathThreshold
	}
	if o.HealthInitialDelay <= 0 {
		o.HealthInitialDelay = d.HealthInitialDelay
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = d.HealthInterval
	}
	if o.HealthSampleSize <= 0 {
		o.HealthSampleSize = d.HealthSampleSize
	}
	if o.OnChainInitialDelay <= 0 {
		o.OnChainInitialDelay = d.OnChainInitialDelay
	}
	if o.OnChainRefreshInterval <= 0 {
		o.OnChainRefreshInterval = d.OnChainRefreshInterval
	}
	if o.ValidatorPageSize <= 0 {
		o.ValidatorPageSize = d.ValidatorPageSize
	}
	if o.ValidatorMaxPages <= 0 {
		o.ValidatorMaxPages = d.ValidatorMaxPages
	}
	if o.ValidatorPageTimeout <= 0 {
		o.ValidatorPageTimeout = d.ValidatorPageTimeout
	}
	if o.GRPCDialTimeout <= 0 {
		o.GRPCDialTimeout = d.GRPCDialTimeout
	}
	if o.GRPCIdleTimeout <= 0 {
		o.GRPCIdleTimeout = d.GRPCIdleTimeout
	}
	return o
}

// clampDuration bounds d to [min, max], using min for non-positive values
func clampDuration(d, min, max time.Duration) time.Duration {
	if d <= 0 || d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
