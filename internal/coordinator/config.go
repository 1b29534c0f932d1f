package coordinator

import "time"

// Config holds the tunables named in the coordinator's external interface.
// Every field has a spec-mandated default; callers needing a different
// pool size or tick cadence (e.g. tests compressing the stale-timeout
// windows) build their own Config rather than mutating a shared global.
type Config struct {
	// BlockSize is the number of bytes requested per block, except for the
	// final block of a piece which may be shorter.
	BlockSize int

	// TickInterval is how often the sweep timer fires.
	TickInterval time.Duration

	// StaleInterestTicks is how many ticks an interested-but-not-unchoked
	// reservation survives before being released.
	StaleInterestTicks int

	// StaleRequestTicks is how many ticks an in-flight request survives
	// without a block before it is retried or given up on.
	StaleRequestTicks int

	// MaxRetries is the number of re-requests attempted for a stalled
	// block before the assignment is abandoned.
	MaxRetries int

	// InitialPoolSize is how many peer connections start() opens.
	InitialPoolSize int

	// MaxRarity bounds the per-piece rarity counter fed to the
	// availability bucket; rarity is clamped to this value.
	MaxRarity int
}

// DefaultConfig returns the constants fixed by the coordinator's external
// interface (spec.md §6.1).
func DefaultConfig() *Config {
	return &Config{
		BlockSize:          16 * 1024,
		TickInterval:       10 * time.Second,
		StaleInterestTicks: 4,
		StaleRequestTicks:  5,
		MaxRetries:         2,
		InitialPoolSize:    20,
		MaxRarity:          256,
	}
}
