package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// GenerateSeed creates a random seed, falling back to the clock if the system source fails
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Jitter scales d by a random factor in [1-fraction, 1+fraction]
func Jitter(d time.Duration, fraction float64, r float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	// r is expected in [0,1)
	factor := 1 - fraction + 2*fraction*r
	return time.Duration(float64(d) * factor)
}
