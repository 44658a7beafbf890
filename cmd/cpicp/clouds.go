package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) cloudsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clouds",
		Short: "List the point clouds in the clouds directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.cloudStore(false).ListClouds(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintf(out, "no clouds in %s\n", a.cfg.GetCloudsDir())
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
}
