package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/harvic/pkg/audio/miniaudio"
)

func newDevicesCmd(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, input := range []bool{true, false} {
				kind := "output"
				if input {
					kind = "input"
				}
				devs, err := miniaudio.ListDevices(input)
				if err != nil {
					return fmt.Errorf("list %s devices: %w", kind, err)
				}
				fmt.Fprintf(out, "%s devices:\n", kind)
				for _, d := range devs {
					fmt.Fprintf(out, "  %s\n", d.Name)
				}
			}
			return nil
		},
	}
}
