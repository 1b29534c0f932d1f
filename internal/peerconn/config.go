package peerconn

import "time"

// Config tunes the wire-level behavior of a peer connection. Values mirror
// the defaults the teacher used for its peer pool, trimmed to what a
// leech-only connection needs.
type Config struct {
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutboxBacklog     int

	DialMaxAttempts  int
	DialInitialDelay time.Duration
	DialMaxDelay     time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		DialTimeout:       10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      30 * time.Second,
		KeepAliveInterval: 90 * time.Second,
		OutboxBacklog:     64,

		DialMaxAttempts:  3,
		DialInitialDelay: 500 * time.Millisecond,
		DialMaxDelay:     5 * time.Second,
	}
}
