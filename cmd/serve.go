package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/flatten"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/importer"
	"github.com/agentic-research/layersync/internal/ingest"
	"github.com/agentic-research/layersync/internal/logctx"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the graph as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		logctx.From(ctx).Info("serving MCP on stdio", "db", cfg.Database)
		return server.ServeStdio(newToolServer(s, logctx.From(ctx)).build())
	},
}

// toolServer exposes export, diff, apply, flatten and import_model as MCP
// tools over one store.
type toolServer struct {
	store  *graph.Store
	logger *log.Logger
}

func newToolServer(s *graph.Store, logger *log.Logger) *toolServer {
	return &toolServer{store: s, logger: logger}
}

func (ts *toolServer) build() *server.MCPServer {
	s := server.NewMCPServer("layersync", "0.1.0", server.WithToolCapabilities(false))

	node := mcp.WithString("node", mcp.Description("Node path; empty for the project root"))
	document := mcp.WithString("document", mcp.Required(), mcp.Description("Canonical document as JSON"))
	model := mcp.WithString("model", mcp.Required(), mcp.Description("Model description as JSON"))

	s.AddTool(mcp.NewTool("export",
		mcp.WithDescription("Serialize a node subtree as a canonical document"), node), ts.export)
	s.AddTool(mcp.NewTool("diff",
		mcp.WithDescription("List the change records applying a document would execute"), node, document), ts.diff)
	s.AddTool(mcp.NewTool("apply",
		mcp.WithDescription("Reconcile a node and its subtree with a document"), node, document), ts.apply)
	s.AddTool(mcp.NewTool("flatten",
		mcp.WithDescription("Inline nested sub-models into one layer list"), model), ts.flattenModel)
	s.AddTool(mcp.NewTool("import_model",
		mcp.WithDescription("Flatten a model and reconcile it as a child of a node"), node, model), ts.importModel)
	return s
}

func (ts *toolServer) node(ctx context.Context, req mcp.CallToolRequest) (*graph.Node, error) {
	path := req.GetString("node", "")
	if path == graph.RootID {
		return ts.store.Root(ctx)
	}
	return ts.store.GetNode(ctx, path)
}

func (ts *toolServer) export(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = logctx.With(ctx, ts.logger)
	n, err := ts.node(ctx, req)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("export", err), nil
	}
	doc, err := importer.New(ts.store).ToJSON(ctx, n)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("export", err), nil
	}
	return jsonResult(doc)
}

func (ts *toolServer) diff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = logctx.With(ctx, ts.logger)
	n, doc, err := ts.target(ctx, req)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("diff", err), nil
	}
	changes, err := importer.New(ts.store).Plan(ctx, n, doc)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("diff", err), nil
	}
	lines := make([]string, len(changes))
	for i, c := range changes {
		lines[i] = c.String()
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (ts *toolServer) apply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = logctx.With(ctx, ts.logger)
	n, doc, err := ts.target(ctx, req)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("apply", err), nil
	}
	var sum importer.Summary
	err = ts.store.Atomic(ctx, func(ctx context.Context) error {
		sum, err = importer.New(ts.store).Apply(ctx, n, doc)
		return err
	})
	if err != nil {
		return mcp.NewToolResultErrorFromErr("apply", err), nil
	}
	return jsonResult(sum)
}

func (ts *toolServer) flattenModel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := parseModel(req)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("flatten", err), nil
	}
	flat, err := flatten.Flatten(model)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("flatten", err), nil
	}
	return mcp.NewToolResultText(oj.JSON(flat, &oj.Options{Sort: true})), nil
}

func (ts *toolServer) importModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = logctx.With(ctx, ts.logger)
	model, err := parseModel(req)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("import_model", err), nil
	}
	flat, err := flatten.Flatten(model)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("import_model", err), nil
	}
	doc, err := ingest.ArchitectureDocument(flat)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("import_model", err), nil
	}
	parent, err := ts.node(ctx, req)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("import_model", err), nil
	}

	var out struct {
		Node string `json:"node"`
		importer.Summary
	}
	err = ts.store.Atomic(ctx, func(ctx context.Context) error {
		n, sum, err := importer.New(ts.store).ApplyChild(ctx, parent, doc)
		if err != nil {
			return err
		}
		out.Node, out.Summary = n.ID, sum
		return nil
	})
	if err != nil {
		return mcp.NewToolResultErrorFromErr("import_model", err), nil
	}
	return jsonResult(out)
}

func (ts *toolServer) target(ctx context.Context, req mcp.CallToolRequest) (*graph.Node, *api.Document, error) {
	n, err := ts.node(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	raw, err := req.RequireString("document")
	if err != nil {
		return nil, nil, err
	}
	doc, err := api.ParseDocument([]byte(raw))
	if err != nil {
		return nil, nil, err
	}
	return n, doc, nil
}

func parseModel(req mcp.CallToolRequest) (map[string]any, error) {
	raw, err := req.RequireString("model")
	if err != nil {
		return nil, err
	}
	v, err := oj.ParseString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("model is %T, not an object", v)
	}
	return m, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
