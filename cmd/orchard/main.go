// Command orchard runs the tree inventory pipelines from the command line:
// ingest fields and sensor sources, run detection over rasters and point
// clouds, fuse runs into the canonical inventory and export GeoJSON.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"orchard-mapper/internal/conf"
	"orchard-mapper/internal/observe"
	"orchard-mapper/internal/run"
	"orchard-mapper/internal/store"
	"orchard-mapper/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "orchard",
		Short:         "Tree inventory from satellite imagery and LiDAR",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")

	root.AddCommand(
		newIngestCommand(),
		newDetectCommand(),
		newFuseCommand(),
		newStatusCommand(),
		newExportCommand(),
		newMergeCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orchard: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

// env bundles everything a subcommand needs. Each invocation builds one
// from the config file, opens the store and wires a single-worker pool so
// submitted runs can be awaited before the process exits.
type env struct {
	settings conf.Settings
	store    store.Store
	service  *run.Service
	pool     *run.Pool

	closer func() error
}

func newEnv(cmd *cobra.Command) (*env, error) {
	settings, err := conf.Load(configPath)
	if err != nil {
		return nil, err
	}

	var (
		st     store.Store
		closer = func() error { return nil }
	)
	switch settings.Store.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(settings.Store.Path)
		if err != nil {
			return nil, err
		}
		st = db
		closer = db.Close
	default:
		st = store.NewMemory()
	}

	sink := observe.NewSink(nil)
	log := observe.Logger("orchard")
	pool := run.NewPool(cmd.Context(), settings.Pool.Workers)
	svc := run.NewService(st, pool, sink, log)
	svc.RetryAttempts = settings.Pool.RetryAttempts

	return &env{
		settings: settings,
		store:    st,
		service:  svc,
		pool:     pool,
		closer:   closer,
	}, nil
}

func (e *env) close() {
	if err := e.closer(); err != nil {
		fmt.Fprintf(os.Stderr, "orchard: closing store: %v\n", err)
	}
}
