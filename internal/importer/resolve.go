package importer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/logctx"
	"github.com/agentic-research/layersync/internal/ref"
)

type pendingKey struct {
	scope string // node ID
	ref   string
}

// resolver turns reference strings into nodes for one Apply call. Child
// documents waiting to be reconciled are registered as pending so that a
// forward reference to them creates the node with the document's base.
type resolver struct {
	g    graph.Graph
	root *graph.Node // apply root, anchor for untagged paths
	// dryRun disables creation; unresolvable creatable references are
	// reported as nil without error.
	dryRun bool

	pending  map[pendingKey]*api.Document
	created  map[pendingKey]*graph.Node
	creating map[pendingKey]bool

	stats Summary
}

func newResolver(g graph.Graph, root *graph.Node, dryRun bool) *resolver {
	return &resolver{
		g:        g,
		root:     root,
		dryRun:   dryRun,
		pending:  make(map[pendingKey]*api.Document),
		created:  make(map[pendingKey]*graph.Node),
		creating: make(map[pendingKey]bool),
	}
}

// addPending registers child documents of scope by their identifiers.
func (r *resolver) addPending(scope *graph.Node, children []*api.Document) {
	for _, c := range children {
		if c != nil && c.ID != "" {
			r.pending[pendingKey{scope.ID, c.ID}] = c
		}
	}
}

// Resolve finds the node s refers to relative to scope, creating it when
// the tag allows. In dry-run mode a node that would be created comes back
// as nil.
func (r *resolver) Resolve(ctx context.Context, scope *graph.Node, s string) (*graph.Node, error) {
	tag, err := ref.Parse(s)
	if err != nil {
		return nil, err
	}
	key := pendingKey{scope.ID, s}
	if n, ok := r.created[key]; ok {
		return n, nil
	}
	n, err := r.lookup(ctx, scope, tag)
	if err != nil || n != nil {
		return n, err
	}
	if _, _, ok := ref.Creatable(tag); !ok {
		return nil, errors.New(errors.ErrCodeUnresolvedReference, "%s does not resolve from %q", s, scope.ID)
	}
	if r.dryRun {
		return nil, nil
	}
	return r.create(ctx, scope, key, tag)
}

// Lookup resolves without ever creating; a miss returns nil.
func (r *resolver) Lookup(ctx context.Context, scope *graph.Node, s string) (*graph.Node, error) {
	tag, err := ref.Parse(s)
	if err != nil {
		return nil, err
	}
	if n, ok := r.created[pendingKey{scope.ID, s}]; ok {
		return n, nil
	}
	return r.lookup(ctx, scope, tag)
}

// Canonical rewrites s to the @id form of the node it resolves to. In
// dry-run mode a reference that would need creating is returned as is.
func (r *resolver) Canonical(ctx context.Context, scope *graph.Node, s string) (string, error) {
	n, err := r.Resolve(ctx, scope, s)
	if err != nil {
		return "", err
	}
	if n == nil {
		return s, nil
	}
	return ref.ForID(n.ID), nil
}

func (r *resolver) lookup(ctx context.Context, scope *graph.Node, tag ref.Tag) (*graph.Node, error) {
	switch t := tag.(type) {
	case ref.Meta:
		metas, err := r.g.MetaNodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("meta nodes: %w", err)
		}
		return r.firstWithAttribute(ctx, metas, graph.NameAttribute, t.Name)
	case ref.Name:
		return r.childWithAttribute(ctx, scope, graph.NameAttribute, t.Name)
	case ref.Attribute:
		return r.childWithAttribute(ctx, scope, t.Attr, t.Value)
	case ref.Path:
		p := strings.Trim(t.Path, "/")
		if p == "" {
			return scope, nil
		}
		return r.byID(ctx, scope.ID+"/"+p)
	case ref.ID:
		return r.byID(ctx, t.Path)
	case ref.GUID:
		n, err := r.g.GetNodeByGUID(ctx, t.GUID)
		if stderrors.Is(err, graph.ErrNotFound) {
			return nil, nil
		}
		return n, err
	case ref.RootPath:
		p := strings.Trim(t.Path, "/")
		if p == "" {
			return r.root, nil
		}
		return r.byID(ctx, r.root.ID+"/"+p)
	default:
		return nil, errors.New(errors.ErrCodeUnknownReferenceTag, "unhandled reference %s", tag)
	}
}

func (r *resolver) byID(ctx context.Context, id string) (*graph.Node, error) {
	n, err := r.g.GetNode(ctx, id)
	if stderrors.Is(err, graph.ErrNotFound) {
		return nil, nil
	}
	return n, err
}

func (r *resolver) childWithAttribute(ctx context.Context, scope *graph.Node, attr, value string) (*graph.Node, error) {
	kids, err := r.g.Children(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("children of %q: %w", scope.ID, err)
	}
	return r.firstWithAttribute(ctx, kids, attr, value)
}

// firstWithAttribute matches own attribute values as text so that
// "@attribute:units:32" finds a node whose units is the number 32.
func (r *resolver) firstWithAttribute(ctx context.Context, nodes []*graph.Node, attr, value string) (*graph.Node, error) {
	for _, n := range nodes {
		attrs, err := r.g.OwnAttributes(ctx, n)
		if err != nil {
			return nil, err
		}
		if v, ok := attrs[attr]; ok && fmt.Sprint(v) == value {
			return n, nil
		}
	}
	return nil, nil
}

// create makes the node a creatable tag names. Meta-types are created
// under the graph root and registered in its MetaAspectSet; everything else
// becomes a child of scope. The base comes from the pending document for
// the reference, defaulting to the FCO.
func (r *resolver) create(ctx context.Context, scope *graph.Node, key pendingKey, tag ref.Tag) (*graph.Node, error) {
	if r.creating[key] {
		return nil, errors.New(errors.ErrCodeCircularReference,
			"%s under %q refers back to itself through base pointers of new children", key.ref, key.scope)
	}
	r.creating[key] = true
	defer delete(r.creating, key)

	base, err := r.g.FCO(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key.ref, err)
	}
	if doc := r.pending[key]; doc != nil && doc.Pointers[api.BasePointer] != "" {
		base, err = r.Resolve(ctx, scope, doc.Pointers[api.BasePointer])
		if err != nil {
			return nil, err
		}
	}

	parent := scope
	_, isMeta := tag.(ref.Meta)
	if isMeta {
		if parent, err = r.g.Root(ctx); err != nil {
			return nil, err
		}
	}

	n, err := r.g.CreateNode(ctx, parent, base)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key.ref, err)
	}
	attr, value, _ := ref.Creatable(tag)
	if err := r.g.SetAttribute(ctx, n, attr, value); err != nil {
		return nil, fmt.Errorf("create %s: %w", key.ref, err)
	}
	if isMeta {
		if err := r.g.AddMember(ctx, parent, graph.MetaAspectSet, n); err != nil {
			return nil, fmt.Errorf("register meta %s: %w", key.ref, err)
		}
	}
	r.created[key] = n
	r.stats.Created++

	logctx.From(ctx).Debug("created node", "ref", key.ref, "id", n.ID, "parent", parent.ID, "base", base.ID)
	return n, nil
}
