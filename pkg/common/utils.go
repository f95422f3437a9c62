package common

import (
	"math/rand"
	"time"
)

const (
	DefaultGatewayPort = 3129
	LocalListenAddr    = "127.0.0.1"
)

func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Jitter spreads base by up to +/- spread, never returning less than base/2.
func Jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	interval := base - spread + time.Duration(rand.Int63n(int64(2*spread)))
	if interval < base/2 {
		interval = base / 2
	}
	return interval
}
