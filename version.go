package plaraefs

import "fmt"

// Version is the plaraefs tool version, reported by `plaraefs version` and
// embedded in bug reports. It has no relation to the on-disk format version
// (see internal/volume's formatVers), which only changes when the header or
// block layout changes.
const Version = "0.1.0"

// VersionString renders Version alongside the on-disk format version this
// build reads and writes, so a bug report captures both independently.
func VersionString() string {
	return fmt.Sprintf("plaraefs %s (volume format %d)", Version, FormatVersion)
}

// FormatVersion is the on-disk volume header format version this build
// writes and the minimum version it will open. Mirrors internal/volume's
// unexported formatVers so callers outside that package (e.g. `plaraefs
// version`) can report it without reaching into internal/.
const FormatVersion = 1
