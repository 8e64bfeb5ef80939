package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/distr1/plaraefs"
	"github.com/distr1/plaraefs/internal/volume"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <backing-file>",
	Short: "Create a new, empty plaraefs volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMkfs(args[0])
	},
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
}

func runMkfs(path string) error {
	pass, err := resolvePassphrase(true)
	if err != nil {
		return usageErr(err)
	}
	v, err := volume.Create(path, plaraefs.Options{
		Passphrase:    pass,
		CacheCapacity: resolveCacheCapacity(),
	})
	if err != nil {
		return mapVolumeErr(err)
	}
	defer v.Close()
	fmt.Printf("created plaraefs volume %s (uuid %s)\n", path, v.UUID())
	return nil
}
