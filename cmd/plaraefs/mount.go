package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"strconv"
	"strings"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/oninterrupt"
	"github.com/distr1/plaraefs/internal/pathfs"
	"github.com/distr1/plaraefs/internal/volume"
)

var (
	mountReadOnly   bool
	mountAllowOther bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <backing-file> <mountpoint>",
	Short: "Mount a plaraefs volume via FUSE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(args[0], args[1])
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountReadOnly, "read-only", false, "mount read-only (§6.3 read_only option)")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "pass allow_other through to the FUSE bridge")
	rootCmd.AddCommand(mountCmd)
}

// bumpRlimitNOFILE raises RLIMIT_NOFILE to the kernel-permitted maximum
// before mounting, grounded on the teacher's own cmd/distri bumpRlimitNOFILE
// (every open file handle and directory handle holds an OS file descriptor
// via the backing store plus one per FUSE request in flight).
func bumpRlimitNOFILE() error {
	fileMax, err := readProcUint("/proc/sys/fs/file-max")
	if err != nil {
		return err
	}
	nrOpen, err := readProcUint("/proc/sys/fs/nr_open")
	if err != nil {
		return err
	}
	max := fileMax
	if nrOpen < max {
		max = nrOpen
	}
	set := unix.Rlimit{Cur: max, Max: max}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &set)
}

func readProcUint(path string) (uint64, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

func runMount(path, mountpoint string) error {
	if err := bumpRlimitNOFILE(); err != nil {
		log.Printf("warning: bumping RLIMIT_NOFILE failed: %v", err)
	}

	pass, err := resolvePassphrase(false)
	if err != nil {
		return usageErr(err)
	}

	vol, err := volume.Open(path, plaraefs.Options{
		Passphrase:    pass,
		CacheCapacity: resolveCacheCapacity(),
		ReadOnly:      mountReadOnly,
		AllowOther:    mountAllowOther,
	})
	if err != nil {
		return mapVolumeErr(err)
	}
	// Destroy() already closes vol once the FUSE server is torn down; this
	// registration also closes it when runMount returns without Destroy
	// having run, since main calls RunAtExit after Execute returns. Close is
	// idempotent, so reaching it both ways is harmless.
	plaraefs.RegisterAtExit(vol.Close)

	server := fuseutil.NewFileSystemServer(pathfs.New(vol))
	cfg := &fuse.MountConfig{
		FSName:   "plaraefs",
		ReadOnly: mountReadOnly,
	}
	if mountAllowOther {
		cfg.Options = map[string]string{"allow_other": ""}
	}

	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		vol.Close()
		return ioErr(fmt.Errorf("mounting at %s: %w", mountpoint, err))
	}

	oninterrupt.Register(func() {
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Printf("unmount %s: %v", mountpoint, err)
		}
	})

	if err := mfs.Join(context.Background()); err != nil {
		return mapOpenVolumeErr(fmt.Errorf("Join: %w", err))
	}
	return nil
}
