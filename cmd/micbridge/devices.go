package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/micbridge/internal/capture"
	"github.com/petems/micbridge/internal/config"
)

func devicesCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices for the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			backend, err := capture.New(cfg.Audio, zerolog.Nop())
			if err != nil {
				return fmt.Errorf("failed to initialize audio: %w", err)
			}
			defer backend.Shutdown()

			enum, ok := backend.(capture.Enumerator)
			if !ok {
				return fmt.Errorf("backend %q cannot list devices", cfg.Audio.Backend)
			}
			devices, err := enum.ListDevices()
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
}

func printDevices(out io.Writer, devices []capture.AudioDevice) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEFAULT\tID\tNAME")
	for _, d := range devices {
		mark := ""
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, d.ID, d.Name)
	}
	return tw.Flush()
}
