package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opd-emr/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(opts, func(a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
}
