package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami [name...]",
		Short: "Print or set the name the assistant addresses you by",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) > 0 {
				if err := a.History().SetUserName(ctx, strings.Join(args, " ")); err != nil {
					return err
				}
			}
			name, err := a.History().UserName(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}
