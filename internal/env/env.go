// Package env captures details about the process environment plaraefs
// commands read configuration from.
package env

import (
	"os"
	"strconv"
)

// PassphraseVar is the environment variable the CLI reads a volume
// passphrase from when stdin is not a terminal (e.g. scripted mkfs/mount
// invocations), avoiding a passphrase appearing in argv or shell history.
const PassphraseVar = "PLARAEFS_PASSPHRASE"

// Passphrase returns the passphrase from PLARAEFS_PASSPHRASE, if set.
func Passphrase() (string, bool) {
	return os.LookupEnv(PassphraseVar)
}

// CacheCapacity returns the block cache capacity override from
// PLARAEFS_CACHE_BLOCKS, or ok=false if unset or unparseable.
func CacheCapacity() (int, bool) {
	v := os.Getenv("PLARAEFS_CACHE_BLOCKS")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
