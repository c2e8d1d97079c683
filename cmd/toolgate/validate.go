package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/config"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file without starting the proxy",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	snap, err := config.Load(validateConfigPath)
	if err != nil {
		return err
	}

	fmt.Printf("%s: OK (%d servers)\n", validateConfigPath, len(snap.Servers))
	for _, def := range snap.Servers {
		fmt.Printf("  %-20s %-10s driver=%s network=%v tags=%v\n",
			def.Name,
			def.TransportOrDefault(),
			def.Sandbox.DriverOrDefault(),
			def.Sandbox.Network,
			def.Tags,
		)
	}
	return nil
}
