// Package config collects the named constants that the memory nucleus is
// tuned by. The teacher never parses these from flags or environment
// variables -- they are compile-time constants sprinkled through mem.go
// (reserved page counts, respgs) -- so Config is a plain struct with
// defaults, filled in once at boot and never re-read from the outside.
package config

import "time"

// Config holds every tunable of the frame database, pager, and pressure
// monitor. Zero-value fields are filled with Defaults() by mm.Boot.
type Config struct {
	// PageSize is the size in bytes of one frame / PTE-mapped unit.
	PageSize int

	// OOMTimeout bounds how long allocate() waits on pager progress
	// before escalating to a fatal out-of-memory crash.
	OOMTimeout time.Duration

	// MaxLockCount is the saturation value for a paging descriptor's
	// lock count (§4.1); lock_pages past this returns ResourceInUse.
	MaxLockCount int

	// PagerBatchSize is N in "after every batch of N freed frames
	// signal progress" (§4.6).
	PagerBatchSize int

	// PagerMaxFailures bounds consecutive page-out I/O failures before
	// the pager gives up and signals progress anyway.
	PagerMaxFailures int

	// Pressure thresholds, expressed as percent of total frames
	// allocated. Entry/exit differ to provide hysteresis (§4.7).
	Level2EntryPercent int // amber entry, 90
	Level2ExitPercent  int // amber exit, 87
	Level1EntryPercent int // red entry, 97
	Level1ExitPercent  int // red exit, 95

	// SampleMaskPercent is the percentage of total frames (rounded
	// down to a power of two) used to derive the pressure sampling
	// mask: checks fire every 2^k operations.
	SampleMaskPercent int

	// MinFreePercent is the percentage of total frames that should
	// remain free; allocate() raises the pager's target once free
	// drops below it (grounded on original_source's
	// MIN_FREE_PHYSICAL_PAGES_PERCENT, 5).
	MinFreePercent int
}

// Defaults returns the constants named throughout spec §4 and §8.
func Defaults() Config {
	return Config{
		PageSize:           4096,
		OOMTimeout:         180 * time.Second,
		MaxLockCount:       15,
		PagerBatchSize:     16,
		PagerMaxFailures:   10,
		Level2EntryPercent: 90,
		Level2ExitPercent:  87,
		Level1EntryPercent: 97,
		Level1ExitPercent:  95,
		SampleMaskPercent:  1,
		MinFreePercent:     5,
	}
}

// WithDefaults fills any zero-valued field of cfg with the corresponding
// default, so a caller can override only what it cares about.
func WithDefaults(cfg Config) Config {
	d := Defaults()
	if cfg.PageSize == 0 {
		cfg.PageSize = d.PageSize
	}
	if cfg.OOMTimeout == 0 {
		cfg.OOMTimeout = d.OOMTimeout
	}
	if cfg.MaxLockCount == 0 {
		cfg.MaxLockCount = d.MaxLockCount
	}
	if cfg.PagerBatchSize == 0 {
		cfg.PagerBatchSize = d.PagerBatchSize
	}
	if cfg.PagerMaxFailures == 0 {
		cfg.PagerMaxFailures = d.PagerMaxFailures
	}
	if cfg.Level2EntryPercent == 0 {
		cfg.Level2EntryPercent = d.Level2EntryPercent
	}
	if cfg.Level2ExitPercent == 0 {
		cfg.Level2ExitPercent = d.Level2ExitPercent
	}
	if cfg.Level1EntryPercent == 0 {
		cfg.Level1EntryPercent = d.Level1EntryPercent
	}
	if cfg.Level1ExitPercent == 0 {
		cfg.Level1ExitPercent = d.Level1ExitPercent
	}
	if cfg.SampleMaskPercent == 0 {
		cfg.SampleMaskPercent = d.SampleMaskPercent
	}
	if cfg.MinFreePercent == 0 {
		cfg.MinFreePercent = d.MinFreePercent
	}
	return cfg
}
