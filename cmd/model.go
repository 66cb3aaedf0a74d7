package cmd

import (
	"context"
	"fmt"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/layersync/internal/flatten"
	"github.com/agentic-research/layersync/internal/importer"
	"github.com/agentic-research/layersync/internal/ingest"
	"github.com/agentic-research/layersync/internal/logctx"
	"github.com/agentic-research/layersync/internal/metagen"
)

var (
	flattenOut    string
	modelSelector string
)

func init() {
	flattenCmd.Flags().StringVarP(&flattenOut, "out", "o", "", "Write the flat model to a file instead of stdout")
	for _, c := range []*cobra.Command{flattenCmd, importModelCmd} {
		c.Flags().StringVarP(&modelSelector, "select", "s", "", "JSONPath locating the model inside the file")
	}

	rootCmd.AddCommand(flattenCmd)
	rootCmd.AddCommand(importModelCmd)
	rootCmd.AddCommand(metagenCmd)
}

func selector(cmd *cobra.Command) string {
	if cmd.Flags().Changed("select") {
		return modelSelector
	}
	return cfg.ModelSelector
}

var flattenCmd = &cobra.Command{
	Use:   "flatten [model.json]",
	Short: "Inline nested sub-models into one layer list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := ingest.LoadModel(hostFS(), absPath(args[0]), selector(cmd))
		if err != nil {
			return err
		}
		logctx.From(cmd.Context()).Debug("loaded model", "models", flatten.CountNumberOfModels(model))
		flat, err := flatten.Flatten(model)
		if err != nil {
			return err
		}
		if flattenOut != "" {
			return ingest.WriteModel(hostFS(), absPath(flattenOut), flat)
		}
		fmt.Println(oj.JSON(flat, &oj.Options{Indent: 2, Sort: true}))
		return nil
	},
}

var importModelCmd = &cobra.Command{
	Use:   "import-model [model.json]",
	Short: "Flatten a model and reconcile it as a child of the node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		model, err := ingest.LoadModel(hostFS(), absPath(args[0]), selector(cmd))
		if err != nil {
			return err
		}
		flat, err := flatten.Flatten(model)
		if err != nil {
			return err
		}
		doc, err := ingest.ArchitectureDocument(flat)
		if err != nil {
			return err
		}

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		parent, err := targetNode(ctx, s)
		if err != nil {
			return err
		}

		p := logctx.NewProgress(logctx.From(ctx))
		var sum importer.Summary
		var id string
		err = s.Atomic(ctx, func(ctx context.Context) error {
			n, applied, err := importer.New(s).ApplyChild(ctx, parent, doc)
			if err != nil {
				return err
			}
			sum, id = applied, n.ID
			return nil
		})
		if err != nil {
			return err
		}
		p.Done("imported model", "node", id, "layers", len(doc.Children),
			"records", sum.Records, "created", sum.Created, "deleted", sum.Deleted)
		return nil
	},
}

var metagenCmd = &cobra.Command{
	Use:   "metagen [catalog.json]",
	Short: "Create meta nodes for a catalog of layer types",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		catalog, err := metagen.LoadCatalog(hostFS(), absPath(args[0]))
		if err != nil {
			return err
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		p := logctx.NewProgress(logctx.From(ctx))
		var sum importer.Summary
		err = s.Atomic(ctx, func(ctx context.Context) error {
			if err := declareSheets(ctx, s); err != nil {
				return err
			}
			sum, err = metagen.Generate(ctx, s, catalog, metagen.NewLayout())
			return err
		})
		if err != nil {
			return err
		}
		p.Done("generated meta", "entries", len(catalog), "records", sum.Records, "created", sum.Created)
		return nil
	},
}
