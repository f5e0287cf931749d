package helpers

import (
	"math/rand"
	"time"
)

// IntSecondDefault converts config seconds, zero means def.
func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

// RandUnix is not safe for concurrent use.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
