// Package importer reconciles a live graph subtree with a canonical
// document: it serializes nodes, diffs documents into change records and
// applies those records back through the graph interface.
package importer

import (
	"context"
	"fmt"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/ref"
)

// Importer serializes and reconciles nodes of one graph. It holds no state
// between calls.
type Importer struct {
	g graph.Graph
}

// New returns an Importer over g.
func New(g graph.Graph) *Importer {
	return &Importer{g: g}
}

// ToJSON serializes n and its whole subtree. Only the node's own values are
// emitted; inherited values come back through the base pointer.
func (imp *Importer) ToJSON(ctx context.Context, n *graph.Node) (*api.Document, error) {
	doc, err := imp.ToJSONShallow(ctx, n)
	if err != nil {
		return nil, err
	}
	kids, err := imp.g.Children(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("serialize %q: children: %w", n.ID, err)
	}
	doc.Children = make([]*api.Document, 0, len(kids))
	for _, k := range kids {
		cd, err := imp.ToJSON(ctx, k)
		if err != nil {
			return nil, err
		}
		doc.Children = append(doc.Children, cd)
	}
	return doc, nil
}

// ToJSONShallow serializes n without its children (Children is nil).
func (imp *Importer) ToJSONShallow(ctx context.Context, n *graph.Node) (*api.Document, error) {
	doc := api.NewDocument(ref.ForID(n.ID))
	if err := imp.serializeFields(ctx, n, doc); err != nil {
		return nil, fmt.Errorf("serialize %q: %w", n.ID, err)
	}
	return doc, nil
}

func (imp *Importer) serializeFields(ctx context.Context, n *graph.Node, doc *api.Document) error {
	attrs, err := imp.g.OwnAttributes(ctx, n)
	if err != nil {
		return err
	}
	for k, v := range attrs {
		doc.Attributes[k] = v
	}

	meta, err := imp.g.OwnAttributeMeta(ctx, n)
	if err != nil {
		return err
	}
	for k, v := range meta {
		doc.AttributeMeta[k] = v
	}

	ptrs, err := imp.g.OwnPointers(ctx, n)
	if err != nil {
		return err
	}
	for name, target := range ptrs {
		if target == "" {
			doc.Pointers[name] = ""
			continue
		}
		doc.Pointers[name] = ref.ForID(target)
	}

	pmeta, err := imp.g.OwnPointerMeta(ctx, n)
	if err != nil {
		return err
	}
	for name, pm := range pmeta {
		entry := map[string]any{api.LimitMin: pm.Min, api.LimitMax: pm.Max}
		for target, lim := range pm.Targets {
			entry[ref.ForID(target)] = map[string]any{api.LimitMin: lim.Min, api.LimitMax: lim.Max}
		}
		doc.PointerMeta[name] = entry
	}

	reg, err := imp.g.OwnRegistry(ctx, n)
	if err != nil {
		return err
	}
	for k, v := range reg {
		doc.Registry[k] = v
	}

	sets, err := imp.g.OwnSets(ctx, n)
	if err != nil {
		return err
	}
	for name, ids := range sets {
		refs := make([]string, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, ref.ForID(id))
		}
		doc.Sets[name] = refs

		for _, id := range ids {
			member := &graph.Node{ID: id}
			mattrs, err := imp.g.MemberAttributes(ctx, n, name, member)
			if err != nil {
				return err
			}
			putMemberData(doc.MemberAttributes, name, ref.ForID(id), mattrs)

			mreg, err := imp.g.MemberRegistry(ctx, n, name, member)
			if err != nil {
				return err
			}
			putMemberData(doc.MemberRegistry, name, ref.ForID(id), mreg)
		}
	}
	return nil
}

// putMemberData records a member's data, skipping members without any so
// that documents which never mention them compare equal.
func putMemberData(dst map[string]map[string]map[string]any, set, member string, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if dst[set] == nil {
		dst[set] = map[string]map[string]any{}
	}
	dst[set][member] = data
}
