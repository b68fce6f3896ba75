package main

import (
	"github.com/spf13/cobra"

	"opd-emr/internal/app"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "clinicd",
		Short:         "Clinic lab-order service",
		Long:          "clinicd serves lab ordering over HTTP on top of a single SQLite database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml); env vars take precedence")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))

	return cmd
}

// withApp loads the App for one command and closes it afterwards.
func withApp(opts *rootOptions, fn func(a *app.App) error) error {
	a, err := app.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
