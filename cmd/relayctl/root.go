package main

import (
	"chat-relay/internal"
	"fmt"
	"io"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	dbPath     string
	stagingDir string
}

func newRootCmd(out io.Writer) *cobra.Command {
	// Defaults follow the relay's own environment so both agree on paths
	_ = godotenv.Load()
	var config internal.Config
	_, _ = env.UnmarshalFromEnviron(&config)

	opts := &options{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect the chat relay offline store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.dbPath, "db", config.BadgerFilepath, "Path to badger DB")
	root.PersistentFlags().StringVar(&opts.stagingDir, "staging", config.StagingDir, "Staging directory of file bodies")

	root.AddCommand(newPendingCmd(opts), newStagedCmd(opts))
	return root
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Log truncate required") {
			return nil, fmt.Errorf("database %s needs recovery, stop the relay and restart it once: %w", path, err)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return db, nil
}
