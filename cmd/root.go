package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/layersync/internal/config"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/logctx"
)

var (
	configPath string
	dbPath     string
	nodePath   string
	verbose    bool

	// cfg is loaded before every command runs.
	cfg *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "Path to the HCL config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Graph database (overrides config database)")
	rootCmd.PersistentFlags().StringVarP(&nodePath, "node", "n", "", "Node path to operate on (overrides config root)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

var rootCmd = &cobra.Command{
	Use:           "layersync",
	Short:         "Reconcile neural-network descriptions with a typed model graph",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(hostFS(), absPath(configPath)); err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.Database = dbPath
		}
		if cmd.Flags().Changed("node") {
			cfg.Root = nodePath
		}

		level, err := cfg.Level()
		if err != nil {
			return err
		}
		if verbose {
			level = log.DebugLevel
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(logctx.With(ctx, logctx.New(os.Stderr, level)))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hostFS is the host filesystem; paths handed to it go through absPath.
func hostFS() billy.Filesystem {
	return osfs.New("/")
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// openStore opens the configured database, creating it on first use.
func openStore(ctx context.Context) (*graph.Store, error) {
	s, err := graph.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database, err)
	}
	logctx.From(ctx).Debug("opened graph", "db", cfg.Database)
	return s, nil
}

// targetNode returns the node selected by --node or the config root.
func targetNode(ctx context.Context, s *graph.Store) (*graph.Node, error) {
	if cfg.Root == graph.RootID {
		return s.Root(ctx)
	}
	n, err := s.GetNode(ctx, cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", cfg.Root, err)
	}
	return n, nil
}
