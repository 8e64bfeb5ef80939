// Command plaraefs creates, mounts, and checks plaraefs volumes: the
// external CLI entry point named as out-of-scope by spec.md §1 ("the
// command-line entry point that mounts/creates a volume"), built the way
// the teacher ships cmd/distri atop its own out-of-core internal/fuse.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "plaraefs",
	Short: "An encrypted, authenticated, user-space file system",
	Long: `plaraefs stores a POSIX-like file system, encrypted block by block,
inside a single host file.

Commands:
  mkfs   create a new, empty volume
  mount  mount an existing volume via FUSE
  fsck   read-only consistency check of a volume
  version  print the tool and on-disk format versions`,
	Version:      plaraefs.VersionString(),
	SilenceUsage: true,
}

// cacheBlocksFlag holds --cache-blocks. resolveCacheCapacity resolves the
// mount-time cache_capacity option per spec.md §6.3: the flag if set, else
// PLARAEFS_CACHE_BLOCKS, else plaraefs.DefaultCacheCapacity.
var cacheBlocksFlag int

func init() {
	rootCmd.PersistentFlags().IntVar(&cacheBlocksFlag, "cache-blocks", 0,
		"block cache capacity in logical blocks (default "+fmt.Sprint(plaraefs.DefaultCacheCapacity)+", or $"+env.PassphraseVar+" sibling $PLARAEFS_CACHE_BLOCKS)")
}

func resolveCacheCapacity() int {
	if cacheBlocksFlag > 0 {
		return cacheBlocksFlag
	}
	if n, ok := env.CacheCapacity(); ok {
		return n
	}
	return 0 // plaraefs.Options.cacheCapacity() substitutes the default
}

// Execute runs the command tree, returning the error cobra collected so
// main can map it to the exit codes of spec.md §6.4.
func Execute() error {
	return rootCmd.Execute()
}
