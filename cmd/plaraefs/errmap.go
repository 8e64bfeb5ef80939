package main

import (
	"errors"

	"github.com/distr1/plaraefs"
)

// mapVolumeErr classifies an error from volume.Open/volume.Create into the
// exit codes of spec.md §6.4. Authentication failure while unwrapping the
// master key (bad passphrase) and on-disk corruption are both surfaced by
// the core as plaraefs.ErrCorruptBlock (an AEAD tag mismatch is the same
// failure mode whether the cause is a wrong passphrase or tampered bytes);
// at mount/open time we report it as the more actionable "bad passphrase"
// exit code, reserving "corruption detected" for failures discovered once
// a volume is already open (e.g. during an operation or `fsck`).
func mapVolumeErr(err error) error {
	switch {
	case isErrno(err, plaraefs.ErrCorruptBlock):
		return authErr(err)
	case isErrno(err, plaraefs.ErrShortRead), isErrno(err, plaraefs.ErrShortWrite), isErrno(err, plaraefs.ErrIOError):
		return ioErr(err)
	case isErrno(err, plaraefs.ErrAlreadyMounted):
		return ioErr(err)
	default:
		return usageErr(err)
	}
}

// mapOpenVolumeErr is used once a volume is already open and mutating: here
// a corrupt-block error genuinely means corruption was detected, not a bad
// passphrase.
func mapOpenVolumeErr(err error) error {
	switch {
	case isErrno(err, plaraefs.ErrCorruptBlock):
		return corruptErr(err)
	case isErrno(err, plaraefs.ErrShortRead), isErrno(err, plaraefs.ErrShortWrite), isErrno(err, plaraefs.ErrIOError):
		return ioErr(err)
	default:
		return usageErr(err)
	}
}

func isErrno(err error, kind plaraefs.Errno) bool {
	return errors.Is(err, kind)
}
