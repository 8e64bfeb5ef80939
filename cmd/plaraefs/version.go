package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/distr1/plaraefs"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the plaraefs tool and on-disk format versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(plaraefs.VersionString())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
