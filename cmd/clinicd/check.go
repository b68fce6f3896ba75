package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"opd-emr/internal/app"
)

func newCheckCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Open the database and print its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, func(a *app.App) error {
				status, err := a.Check(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			})
		},
	}
}
