// Package cli provides the command-line host for the sync engine.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/lessonsync/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lessonsync",
		Short: "Local-first lesson progress sync engine",
		Long: `Local-first lesson progress sync engine

Checkpoints are written to local storage immediately and pushed to the
remote progress service in the background. Writes made while offline are
queued and retried with exponential backoff.

Configuration comes from LESSONSYNC_* environment variables and an
optional .env file in the working directory.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunCmd(),
		newSaveCmd(),
		newLoadCmd(),
		newSyncCmd(),
		newMergeCmd(),
		newStatusCmd(),
		newClearCmd(),
	)
	return root
}

// Execute runs the CLI
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
