package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/petems/micbridge/internal/config"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootCommand creates the command tree.
func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "micbridge",
		Short:        "Bridge a live microphone into a fixed-rate pull stream",
		Version:      Version + " (" + Commit + ")",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the JSON config file")

	load := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}

	root.AddCommand(runCommand(load), devicesCommand(load))
	return root
}
