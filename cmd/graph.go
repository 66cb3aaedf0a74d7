package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/importer"
	"github.com/agentic-research/layersync/internal/ingest"
	"github.com/agentic-research/layersync/internal/logctx"
	"github.com/agentic-research/layersync/internal/metagen"
)

var exportOut string

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write the document to a file instead of stdout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(applyCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the graph database and declare the configured meta sheets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if err := declareSheets(ctx, s); err != nil {
			return err
		}
		logctx.From(ctx).Info("initialised", "db", cfg.Database, "sheets", len(cfg.Sheets))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Serialize a node subtree as a canonical document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		n, err := targetNode(ctx, s)
		if err != nil {
			return err
		}
		doc, err := importer.New(s).ToJSON(ctx, n)
		if err != nil {
			return err
		}
		if exportOut != "" {
			return ingest.WriteDocument(hostFS(), absPath(exportOut), doc)
		}
		return printJSON(doc)
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff [document]",
	Short: "Print the change records applying a document would execute on the node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		n, doc, err := loadTarget(ctx, s, args[0])
		if err != nil {
			return err
		}
		changes, err := importer.New(s).Plan(ctx, n, doc)
		if err != nil {
			return err
		}
		for _, c := range changes {
			fmt.Println(c)
		}
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply [document]",
	Short: "Reconcile the node and its subtree with a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		n, doc, err := loadTarget(ctx, s, args[0])
		if err != nil {
			return err
		}
		p := logctx.NewProgress(logctx.From(ctx))
		var sum importer.Summary
		err = s.Atomic(ctx, func(ctx context.Context) error {
			sum, err = importer.New(s).Apply(ctx, n, doc)
			return err
		})
		if err != nil {
			return err
		}
		p.Done("applied", "node", n.ID, "records", sum.Records, "created", sum.Created, "deleted", sum.Deleted)
		return nil
	},
}

func loadTarget(ctx context.Context, s *graph.Store, docPath string) (*graph.Node, *api.Document, error) {
	n, err := targetNode(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	doc, err := ingest.ReadDocument(hostFS(), absPath(docPath))
	if err != nil {
		return nil, nil, err
	}
	return n, doc, nil
}

func declareSheets(ctx context.Context, g graph.Graph) error {
	for _, sb := range cfg.Sheets {
		if err := metagen.DeclareSheet(ctx, g, metagen.Sheet{SetID: sb.SetID, Title: sb.Title}); err != nil {
			return fmt.Errorf("declare sheet %s: %w", sb.SetID, err)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
