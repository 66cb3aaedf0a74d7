package importer

import (
	"context"
	"fmt"
	"slices"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/logctx"
	"github.com/agentic-research/layersync/internal/ref"
)

// Summary counts what one Apply call did.
type Summary struct {
	Records int `json:"records"` // change records executed
	Created int `json:"created"` // nodes created for unresolved references
	Deleted int `json:"deleted"` // children removed
}

// Changed reports whether the call mutated anything.
func (s Summary) Changed() bool {
	return s.Records+s.Created+s.Deleted > 0
}

// Add accumulates o into s.
func (s *Summary) Add(o Summary) {
	s.Records += o.Records
	s.Created += o.Created
	s.Deleted += o.Deleted
}

// Apply reconciles n (and, when desired.Children is non-nil, its subtree)
// with desired. References missing from the graph are created when their
// tag allows it. A failure aborts the call and leaves whatever was already
// written; wrap the call in the store's transaction for all-or-nothing.
func (imp *Importer) Apply(ctx context.Context, n *graph.Node, desired *api.Document) (Summary, error) {
	r := newResolver(imp.g, n, false)
	err := imp.apply(ctx, r, n, n, desired)
	return r.stats, err
}

// ApplyChild reconciles desired as a child of parent, matched (or created)
// by desired.ID, and returns the child.
func (imp *Importer) ApplyChild(ctx context.Context, parent *graph.Node, desired *api.Document) (*graph.Node, Summary, error) {
	if desired.ID == "" {
		return nil, Summary{}, errors.New(errors.ErrCodeInvalidDocument, "child document has no id")
	}
	r := newResolver(imp.g, parent, false)
	r.addPending(parent, []*api.Document{desired})
	child, err := r.Resolve(ctx, parent, desired.ID)
	if err != nil {
		return nil, r.stats, err
	}
	if err := imp.apply(ctx, r, child, parent, desired); err != nil {
		return nil, r.stats, err
	}
	return child, r.stats, nil
}

// Plan returns the records Apply would execute on n itself, without
// touching the graph. References that Apply would create stay in their
// tagged form.
func (imp *Importer) Plan(ctx context.Context, n *graph.Node, desired *api.Document) ([]Change, error) {
	r := newResolver(imp.g, n, true)
	r.addPending(n, desired.Children)
	norm, err := imp.normalise(ctx, r, n, desired)
	if err != nil {
		return nil, err
	}
	cur, err := imp.ToJSONShallow(ctx, n)
	if err != nil {
		return nil, err
	}
	keepBase(cur, norm, desired)
	return Diff(cur, norm)
}

// keepBase carries the current base pointer into norm when desired does
// not mention one: a document never strips a node's prototype by omission.
// An explicit empty base was dropped from norm, so it diffs as a delete.
func keepBase(cur, norm, desired *api.Document) {
	if _, ok := desired.Pointers[api.BasePointer]; ok {
		return
	}
	if b, ok := cur.Pointers[api.BasePointer]; ok {
		norm.Pointers[api.BasePointer] = b
	}
}

func (imp *Importer) apply(ctx context.Context, r *resolver, n, scope *graph.Node, desired *api.Document) error {
	r.addPending(n, desired.Children)

	norm, err := imp.normalise(ctx, r, scope, desired)
	if err != nil {
		return fmt.Errorf("apply %q: %w", n.ID, err)
	}
	cur, err := imp.ToJSONShallow(ctx, n)
	if err != nil {
		return err
	}
	keepBase(cur, norm, desired)
	changes, err := Diff(cur, norm)
	if err != nil {
		return err
	}
	if err := imp.applyChanges(ctx, r, n, scope, changes); err != nil {
		return fmt.Errorf("apply %q: %w", n.ID, err)
	}
	r.stats.Records += len(changes)
	if len(changes) > 0 {
		logctx.From(ctx).Debug("applied", "node", n.ID, "records", len(changes))
	}

	if desired.Children == nil {
		return nil
	}
	return imp.applyChildren(ctx, r, n, desired.Children)
}

func (imp *Importer) applyChildren(ctx context.Context, r *resolver, n *graph.Node, children []*api.Document) error {
	live, err := imp.g.Children(ctx, n)
	if err != nil {
		return fmt.Errorf("apply %q: children: %w", n.ID, err)
	}

	matched := make(map[string]bool, len(children))
	for _, cd := range children {
		if cd == nil {
			continue
		}
		if cd.ID == "" {
			return errors.New(errors.ErrCodeInvalidDocument, "child of %q has no id", n.ID)
		}
		child, err := r.Resolve(ctx, n, cd.ID)
		if err != nil {
			return fmt.Errorf("apply %q: child %s: %w", n.ID, cd.ID, err)
		}
		if matched[child.ID] {
			return errors.New(errors.ErrCodeInvalidDocument, "children of %q name %q twice", n.ID, child.ID)
		}
		matched[child.ID] = true
		if err := imp.apply(ctx, r, child, n, cd); err != nil {
			return err
		}
	}

	for i := len(live) - 1; i >= 0; i-- {
		if matched[live[i].ID] {
			continue
		}
		if err := imp.g.DeleteNode(ctx, live[i]); err != nil {
			return fmt.Errorf("apply %q: delete child %q: %w", n.ID, live[i].ID, err)
		}
		r.stats.Deleted++
		logctx.From(ctx).Debug("deleted node", "id", live[i].ID)
	}
	return nil
}

// normalise returns a copy of doc without children in which every
// reference is rewritten to its @id form and the attribute implied by a
// creatable id is filled in. It also checks the set invariants.
func (imp *Importer) normalise(ctx context.Context, r *resolver, scope *graph.Node, doc *api.Document) (*api.Document, error) {
	shallow := *doc
	shallow.Children = nil
	norm, err := shallow.Clone()
	if err != nil {
		return nil, err
	}

	if norm.ID != "" {
		tag, err := ref.Parse(norm.ID)
		if err != nil {
			return nil, err
		}
		if attr, value, ok := ref.Creatable(tag); ok {
			v, set := norm.Attributes[attr]
			if !set {
				norm.Attributes[attr] = value
			} else if fmt.Sprint(v) != value {
				return nil, errors.New(errors.ErrCodeInvalidDocument,
					"id %s conflicts with attributes.%s %v", norm.ID, attr, v)
			}
		}
	}

	// The base is stored without an explicit empty form.
	if b, ok := norm.Pointers[api.BasePointer]; ok && b == "" {
		delete(norm.Pointers, api.BasePointer)
	}
	for name, target := range norm.Pointers {
		if target == "" {
			continue
		}
		if norm.Pointers[name], err = r.Canonical(ctx, scope, target); err != nil {
			return nil, fmt.Errorf("pointer %s: %w", name, err)
		}
	}

	for name, entry := range norm.PointerMeta {
		if norm.PointerMeta[name], err = normalisePointerMeta(ctx, r, scope, entry); err != nil {
			return nil, fmt.Errorf("pointer_meta %s: %w", name, err)
		}
	}

	for name, members := range norm.Sets {
		out := make([]string, 0, len(members))
		for _, m := range members {
			c, err := r.Canonical(ctx, scope, m)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", name, err)
			}
			if slices.Contains(out, c) {
				return nil, errors.New(errors.ErrCodeInvalidDocument, "set %s lists %s twice", name, m)
			}
			out = append(out, c)
		}
		norm.Sets[name] = out
	}

	if norm.MemberAttributes, err = normaliseMemberData(ctx, r, scope, api.FieldMemberAttributes, norm.MemberAttributes, norm.Sets); err != nil {
		return nil, err
	}
	if norm.MemberRegistry, err = normaliseMemberData(ctx, r, scope, api.FieldMemberRegistry, norm.MemberRegistry, norm.Sets); err != nil {
		return nil, err
	}
	return norm, nil
}

// normalisePointerMeta canonicalises target references and fills in the
// default bounds the store records, so the entry reads back unchanged.
func normalisePointerMeta(ctx context.Context, r *resolver, scope *graph.Node, entry map[string]any) (map[string]any, error) {
	lim, err := limitsOf(entry)
	if err != nil {
		return nil, err
	}
	out := limitsObject(lim)
	for k, v := range entry {
		if k == api.LimitMin || k == api.LimitMax {
			continue
		}
		if tv, ok := v.(map[string]any); ok {
			for tk := range tv {
				if tk != api.LimitMin && tk != api.LimitMax {
					return nil, errors.New(errors.ErrCodeInvalidDocument, "target %s: unknown key %q", k, tk)
				}
			}
		}
		tlim, err := limitsOf(v)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", k, err)
		}
		c, err := r.Canonical(ctx, scope, k)
		if err != nil {
			return nil, err
		}
		out[c] = limitsObject(tlim)
	}
	return out, nil
}

func normaliseMemberData(ctx context.Context, r *resolver, scope *graph.Node, field string,
	data map[string]map[string]map[string]any, sets map[string][]string,
) (map[string]map[string]map[string]any, error) {
	out := make(map[string]map[string]map[string]any, len(data))
	for set, members := range data {
		list, ok := sets[set]
		if !ok && len(members) > 0 {
			return nil, errors.New(errors.ErrCodeInvalidDocument, "%s names set %s which the document does not define", field, set)
		}
		for m, values := range members {
			if len(values) == 0 {
				continue
			}
			c, err := r.Canonical(ctx, scope, m)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", field, set, err)
			}
			if !slices.Contains(list, c) {
				return nil, errors.New(errors.ErrCodeInvalidDocument, "%s.%s: %s is not a member", field, set, m)
			}
			if out[set] == nil {
				out[set] = map[string]map[string]any{}
			}
			out[set][c] = values
		}
	}
	return out, nil
}
