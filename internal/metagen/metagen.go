// Package metagen turns a catalog of layer types into meta nodes: one child
// of the project root per type, registered in the root's meta sheets. All
// writes go through the importer, so running the same catalog twice
// changes nothing.
package metagen

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/importer"
	"github.com/agentic-research/layersync/internal/logctx"
	"github.com/agentic-research/layersync/internal/ref"
)

// SheetsKey is the root registry entry declaring the meta sheets.
const SheetsKey = "meta_sheets"

// PositionKey is the member registry entry holding a member's placement.
const PositionKey = "position"

// Sheet is one declared meta sheet: a root set shown under a title.
type Sheet struct {
	SetID string `json:"set_id"`
	Title string `json:"title"`
}

// Entry describes one layer type.
type Entry struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	// Attributes maps an attribute name to its schema (attribute_meta).
	Attributes map[string]map[string]any `json:"attributes,omitempty"`
}

// Catalog is an ordered list of layer types.
type Catalog []Entry

// LoadCatalog reads a JSON catalog from path.
func LoadCatalog(fs billy.Filesystem, path string) (Catalog, error) {
	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDocument, err, "parse catalog %s", path)
	}
	for i, e := range c {
		if e.Name == "" {
			return nil, errors.New(errors.ErrCodeInvalidDocument, "catalog entry %d has no name", i)
		}
	}
	return c, nil
}

// Sheets returns the sheets declared on the project root.
func Sheets(ctx context.Context, g graph.Graph) ([]Sheet, error) {
	root, err := g.Root(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := g.OwnRegistry(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("read sheets: %w", err)
	}
	raw, ok := reg[SheetsKey]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("read sheets: %w", err)
	}
	var sheets []Sheet
	if err := json.Unmarshal(data, &sheets); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDocument, err, "root registry %s", SheetsKey)
	}
	return sheets, nil
}

// DeclareSheet adds sheet to the root's declarations, or retitles the
// declaration with the same set id.
func DeclareSheet(ctx context.Context, g graph.Graph, sheet Sheet) error {
	sheets, err := Sheets(ctx, g)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(sheets, func(s Sheet) bool { return s.SetID == sheet.SetID })
	if i >= 0 {
		if sheets[i].Title == sheet.Title {
			return nil
		}
		sheets[i].Title = sheet.Title
	} else {
		sheets = append(sheets, sheet)
	}

	value := make([]any, len(sheets))
	for i, s := range sheets {
		value[i] = map[string]any{"set_id": s.SetID, "title": s.Title}
	}
	root, err := g.Root(ctx)
	if err != nil {
		return err
	}
	return g.SetRegistry(ctx, root, SheetsKey, value)
}

// Generate ensures every catalog entry has a meta node under the project
// root carrying the entry's attribute schemas, listed in the root's
// MetaAspectSet and in the sheet titled by its category. New sheet
// members are placed with layout. An entry whose category names no
// declared sheet fails the call with MISSING_META_SHEET before anything is
// written.
func Generate(ctx context.Context, g graph.Graph, catalog Catalog, layout *Layout) (importer.Summary, error) {
	var total importer.Summary
	logger := logctx.From(ctx)

	sheets, err := Sheets(ctx, g)
	if err != nil {
		return total, err
	}
	setFor := make(map[string]string, len(sheets))
	for _, s := range sheets {
		setFor[s.Title] = s.SetID
	}
	for _, e := range catalog {
		if _, ok := setFor[e.Category]; !ok {
			return total, errors.New(errors.ErrCodeMissingMetaSheet, "%s: no meta sheet titled %q", e.Name, e.Category)
		}
	}

	root, err := g.Root(ctx)
	if err != nil {
		return total, err
	}
	existing, err := metaByName(ctx, g)
	if err != nil {
		return total, err
	}

	imp := importer.New(g)
	nodes := make([]*graph.Node, len(catalog))
	for i, e := range catalog {
		doc, err := metaDocument(ctx, imp, existing[e.Name], e)
		if err != nil {
			return total, err
		}
		n, sum, err := imp.ApplyChild(ctx, root, doc)
		total.Add(sum)
		if err != nil {
			return total, fmt.Errorf("meta %s: %w", e.Name, err)
		}
		nodes[i] = n
	}

	rootDoc, err := imp.ToJSONShallow(ctx, root)
	if err != nil {
		return total, err
	}
	for i, e := range catalog {
		set := setFor[e.Category]
		member := ref.ForID(nodes[i].ID)
		members := rootDoc.Sets[set]
		if slices.Contains(members, member) {
			continue
		}
		layout.seed(set, len(members))
		rootDoc.Sets[set] = append(members, member)

		pos := layout.Next(set)
		if rootDoc.MemberRegistry[set] == nil {
			rootDoc.MemberRegistry[set] = map[string]map[string]any{}
		}
		rootDoc.MemberRegistry[set][member] = map[string]any{PositionKey: pos.Value()}
		logger.Debug("placed meta", "name", e.Name, "sheet", e.Category, "x", pos.X, "y", pos.Y)
	}

	sum, err := imp.Apply(ctx, root, rootDoc)
	total.Add(sum)
	if err != nil {
		return total, fmt.Errorf("update sheets: %w", err)
	}
	return total, nil
}

// metaDocument builds the desired document for entry e. An existing node
// keeps everything the catalog does not mention.
func metaDocument(ctx context.Context, imp *importer.Importer, n *graph.Node, e Entry) (*api.Document, error) {
	doc := api.NewDocument("")
	if n != nil {
		var err error
		if doc, err = imp.ToJSONShallow(ctx, n); err != nil {
			return nil, err
		}
	}
	doc.ID = ref.Meta{Name: e.Name}.String()
	for attr, schema := range e.Attributes {
		doc.AttributeMeta[attr] = schema
	}
	return doc, nil
}

func metaByName(ctx context.Context, g graph.Graph) (map[string]*graph.Node, error) {
	metas, err := g.MetaNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list meta nodes: %w", err)
	}
	out := make(map[string]*graph.Node, len(metas))
	for _, m := range metas {
		attrs, err := g.OwnAttributes(ctx, m)
		if err != nil {
			return nil, err
		}
		if name, ok := attrs[graph.NameAttribute].(string); ok {
			out[name] = m
		}
	}
	return out, nil
}
