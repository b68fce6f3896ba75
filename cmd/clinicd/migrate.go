package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"opd-emr/internal/app"
)

type migrateOptions struct {
	Dir string
	To  uint
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	opts := &migrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: "Apply the embedded schema, or the migrations in --dir. " +
			"With --to the schema is migrated down to that version (requires --dir).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.To > 0 && opts.Dir == "" {
				return fmt.Errorf("--to requires --dir")
			}

			return withApp(root, func(a *app.App) error {
				var (
					v   uint
					err error
				)
				if opts.Dir != "" {
					v, err = a.MigrateDir(opts.Dir, opts.To)
				} else {
					v, err = a.Migrate(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "directory with *.up.sql/*.down.sql migrations")
	cmd.Flags().UintVar(&opts.To, "to", 0, "target version for a downgrade")

	return cmd
}
