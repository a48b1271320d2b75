package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/seedreap/formsync/internal/migration"
	"github.com/seedreap/formsync/internal/server"
)

//nolint:gochecknoglobals // cobra requires package-level command variable
var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the background workers and the HTTP API",
	SilenceUsage: true,
	RunE:         run,
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move legacy storage into the scoped per-project layout",
	Long: `Copies forms, instances and metadata from the legacy storage root into
the scoped project directory, rewrites the file paths stored in the
databases and deletes the legacy tree. Exits non-zero unless the migration
succeeds; retryable results (another operation running, not enough space)
can simply be retried later.`,
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			result, err := srv.Migrate(ctx)
			if errors.Is(err, migration.ErrAlreadyMigrated) {
				log.Info().Str("project_id", srv.ProjectID()).Msg("storage already migrated")
				return nil
			}
			if err != nil {
				return err
			}

			if result != migration.Success {
				log.Error().
					Str("result", string(result)).
					Bool("retryable", result.Retryable()).
					Msg("storage migration failed")
				return fmt.Errorf("storage migration failed: %s", result)
			}

			log.Info().Str("project_id", srv.ProjectID()).Msg("storage migrated")
			return nil
		})
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var syncCmd = &cobra.Command{
	Use:          "sync",
	Short:        "Synchronize the form catalog with the server once",
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			if err := srv.Sync(ctx); err != nil {
				return fmt.Errorf("form list synchronization failed: %w", err)
			}
			log.Info().Msg("form list synchronized")
			return nil
		})
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var sendCmd = &cobra.Command{
	Use:          "send",
	Short:        "Submit finalized instances once",
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			sent, err := srv.SendInstances(ctx)
			if err != nil {
				return fmt.Errorf("auto-send failed: %w", err)
			}
			log.Info().Int("sent", sent).Msg("instances submitted")
			return nil
		})
	},
}
