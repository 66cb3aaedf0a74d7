package importer

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/ref"
)

// Field is a diffable document field. The declaration order is the order
// in which change groups are applied.
type Field int

const (
	Attributes Field = iota
	AttributeMeta
	Registry
	Pointers
	PointerMeta
	Sets
	MemberAttributes
	MemberRegistry
	numFields
)

var fieldNames = [numFields]string{
	Attributes:       api.FieldAttributes,
	AttributeMeta:    api.FieldAttributeMeta,
	Registry:         api.FieldRegistry,
	Pointers:         api.FieldPointers,
	PointerMeta:      api.FieldPointerMeta,
	Sets:             api.FieldSets,
	MemberAttributes: api.FieldMemberAttributes,
	MemberRegistry:   api.FieldMemberRegistry,
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "Field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldNames[f]
}

// ParseField maps a change record's first key segment to its Field.
func ParseField(s string) (Field, error) {
	for f, name := range fieldNames {
		if name == s {
			return Field(f), nil
		}
	}
	return 0, errors.New(errors.ErrCodeUnrecognizedChangeKey, "unrecognized change key %q", s)
}

// applier executes the change records of one node.
type applier struct {
	g     graph.Graph
	r     *resolver
	node  *graph.Node
	scope *graph.Node
	// sets is the member list of every set before any record ran; member
	// deletes address these positions.
	sets map[string][]string
}

func (imp *Importer) applyChanges(ctx context.Context, r *resolver, n, scope *graph.Node, changes []Change) error {
	var groups [numFields][]Change
	for _, c := range changes {
		if len(c.Key) == 0 {
			return errors.New(errors.ErrCodeUnrecognizedChangeKey, "change record without key")
		}
		f, err := ParseField(c.Key[0])
		if err != nil {
			return err
		}
		groups[f] = append(groups[f], c)
	}

	sets, err := imp.g.OwnSets(ctx, n)
	if err != nil {
		return err
	}
	a := &applier{g: imp.g, r: r, node: n, scope: scope, sets: sets}
	for f := Field(0); f < numFields; f++ {
		for _, c := range groups[f] {
			if err := a.dispatch(ctx, f, c); err != nil {
				return fmt.Errorf("%s %s: %w", c.Type, strings.Join(c.Key, "."), err)
			}
		}
	}
	return nil
}

func (a *applier) dispatch(ctx context.Context, f Field, c Change) error {
	switch f {
	case Attributes:
		return a.attributes(ctx, c)
	case AttributeMeta:
		return a.attributeMeta(ctx, c)
	case Registry:
		return a.registry(ctx, c)
	case Pointers:
		return a.pointers(ctx, c)
	case PointerMeta:
		return a.pointerMeta(ctx, c)
	case Sets:
		return a.setsChange(ctx, c)
	case MemberAttributes:
		return a.memberData(ctx, c, memberAttributeOps)
	case MemberRegistry:
		return a.memberData(ctx, c, memberRegistryOps)
	default:
		return errors.New(errors.ErrCodeUnrecognizedChangeKey, "unhandled field %s", f)
	}
}

func complexPath(key []string) error {
	return errors.New(errors.ErrCodeComplexAttribute, "nested change at %s is not supported", strings.Join(key, "."))
}

// --- attributes ---

func (a *applier) attributes(ctx context.Context, c Change) error {
	if len(c.Key) != 2 {
		return complexPath(c.Key)
	}
	if c.Type == Delete {
		return a.g.DelAttribute(ctx, a.node, c.Key[1])
	}
	return a.g.SetAttribute(ctx, a.node, c.Key[1], c.Value)
}

// --- attribute_meta ---

func (a *applier) attributeMeta(ctx context.Context, c Change) error {
	name := c.Key[1]
	if len(c.Key) == 2 {
		if c.Type == Delete {
			if err := a.g.DelAttributeMeta(ctx, a.node, name); err != nil {
				return err
			}
			return a.g.DelAttribute(ctx, a.node, name)
		}
		schema, ok := c.Value.(map[string]any)
		if !ok {
			return errors.New(errors.ErrCodeInvalidDocument, "attribute_meta.%s must be an object", name)
		}
		return a.g.SetAttributeMeta(ctx, a.node, name, schema)
	}

	all, err := a.g.OwnAttributeMeta(ctx, a.node)
	if err != nil {
		return err
	}
	schema := all[name]
	if c.Type == Delete {
		deletePath(schema, c.Key[2:])
	} else {
		schema = setPath(schema, c.Key[2:], c.Value)
	}
	return a.g.SetAttributeMeta(ctx, a.node, name, schema)
}

// --- registry ---

func (a *applier) registry(ctx context.Context, c Change) error {
	name := c.Key[1]
	if c.Type == Delete {
		if len(c.Key) != 2 {
			return complexPath(c.Key)
		}
		return a.g.DelRegistry(ctx, a.node, name)
	}
	if len(c.Key) == 2 {
		return a.g.SetRegistry(ctx, a.node, name, c.Value)
	}
	reg, err := a.g.OwnRegistry(ctx, a.node)
	if err != nil {
		return err
	}
	cur, _ := reg[name].(map[string]any)
	return a.g.SetRegistry(ctx, a.node, name, setPath(cur, c.Key[2:], c.Value))
}

// --- pointers ---

func (a *applier) pointers(ctx context.Context, c Change) error {
	if len(c.Key) != 2 {
		return complexPath(c.Key)
	}
	name := c.Key[1]
	if c.Type == Delete {
		return a.g.DelPointer(ctx, a.node, name)
	}
	s, _ := c.Value.(string)
	if s == "" {
		return a.g.SetPointer(ctx, a.node, name, nil)
	}
	target, err := a.r.Resolve(ctx, a.scope, s)
	if err != nil {
		return err
	}
	return a.g.SetPointer(ctx, a.node, name, target)
}

// --- pointer_meta ---

func (a *applier) pointerMeta(ctx context.Context, c Change) error {
	name := c.Key[1]
	switch len(c.Key) {
	case 2:
		if c.Type == Delete {
			if err := a.g.DelPointerMeta(ctx, a.node, name); err != nil {
				return err
			}
			return a.g.DelPointer(ctx, a.node, name)
		}
		return a.newPointerDefinition(ctx, name, c.Value)

	case 3:
		k := c.Key[2]
		if k == api.LimitMin || k == api.LimitMax {
			if c.Type == Delete {
				return complexPath(c.Key)
			}
			lim, err := a.pointerLimits(ctx, name)
			if err != nil {
				return err
			}
			if lim, err = withLimit(lim, k, c.Value); err != nil {
				return err
			}
			return a.g.SetPointerLimits(ctx, a.node, name, lim)
		}
		if c.Type == Delete {
			target, err := a.r.Lookup(ctx, a.scope, k)
			if err != nil || target == nil {
				return err
			}
			return a.g.DelPointerTarget(ctx, a.node, name, target)
		}
		lim, err := limitsOf(c.Value)
		if err != nil {
			return err
		}
		target, err := a.r.Resolve(ctx, a.scope, k)
		if err != nil {
			return err
		}
		return a.g.SetPointerTarget(ctx, a.node, name, target, lim)

	case 4:
		if c.Type == Delete {
			return complexPath(c.Key)
		}
		target, err := a.r.Resolve(ctx, a.scope, c.Key[2])
		if err != nil {
			return err
		}
		all, err := a.g.OwnPointerMeta(ctx, a.node)
		if err != nil {
			return err
		}
		lim, err := withLimit(all[name].Targets[target.ID], c.Key[3], c.Value)
		if err != nil {
			return err
		}
		return a.g.SetPointerTarget(ctx, a.node, name, target, lim)
	}
	return complexPath(c.Key)
}

func (a *applier) newPointerDefinition(ctx context.Context, name string, v any) error {
	entry, ok := v.(map[string]any)
	if !ok {
		return errors.New(errors.ErrCodeInvalidDocument, "pointer_meta.%s must be an object", name)
	}
	lim, err := limitsOf(entry)
	if err != nil {
		return err
	}
	if err := a.g.SetPointerLimits(ctx, a.node, name, lim); err != nil {
		return err
	}
	for k, tv := range entry {
		if k == api.LimitMin || k == api.LimitMax {
			continue
		}
		tlim, err := limitsOf(tv)
		if err != nil {
			return err
		}
		target, err := a.r.Resolve(ctx, a.scope, k)
		if err != nil {
			return err
		}
		if err := a.g.SetPointerTarget(ctx, a.node, name, target, tlim); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) pointerLimits(ctx context.Context, name string) (graph.Limits, error) {
	all, err := a.g.OwnPointerMeta(ctx, a.node)
	if err != nil {
		return graph.Limits{}, err
	}
	if pm, ok := all[name]; ok {
		return pm.Limits, nil
	}
	return defaultLimits(), nil
}

func defaultLimits() graph.Limits {
	return graph.Limits{Min: 0, Max: graph.Unbounded}
}

// limitsOf reads {min, max} from a JSON object, defaulting missing bounds.
// A nil value stands for the empty object.
func limitsOf(v any) (graph.Limits, error) {
	lim := defaultLimits()
	if v == nil {
		return lim, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return lim, errors.New(errors.ErrCodeInvalidDocument, "limits must be an object, got %T", v)
	}
	for _, k := range []string{api.LimitMin, api.LimitMax} {
		x, ok := m[k]
		if !ok {
			continue
		}
		var err error
		if lim, err = withLimit(lim, k, x); err != nil {
			return lim, err
		}
	}
	return lim, nil
}

// limitsObject renders lim the way the serializer emits it.
func limitsObject(lim graph.Limits) map[string]any {
	return map[string]any{api.LimitMin: lim.Min, api.LimitMax: lim.Max}
}

func withLimit(lim graph.Limits, which string, v any) (graph.Limits, error) {
	x, ok := toInt(v)
	if !ok {
		return lim, errors.New(errors.ErrCodeInvalidDocument, "%s must be an integer, got %v", which, v)
	}
	if which == api.LimitMin {
		lim.Min = x
	} else {
		lim.Max = x
	}
	return lim, nil
}

// toInt accepts integral JSON numbers only.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	}
	return 0, false
}

// --- sets ---

func (a *applier) setsChange(ctx context.Context, c Change) error {
	name := c.Key[1]
	switch {
	case len(c.Key) == 2 && c.Type == Delete:
		return a.g.DelSet(ctx, a.node, name)
	case len(c.Key) == 2:
		return a.replaceSet(ctx, name, toStrings(c.Value))
	case len(c.Key) == 3 && c.Type == Delete:
		idx, err := strconv.Atoi(c.Key[2])
		if err != nil || idx < 0 || idx >= len(a.sets[name]) {
			return errors.New(errors.ErrCodeInvalidDocument, "set %s has no member at %q", name, c.Key[2])
		}
		return a.g.DelMember(ctx, a.node, name, &graph.Node{ID: a.sets[name][idx]})
	case len(c.Key) == 3:
		member, err := a.r.Resolve(ctx, a.scope, c.Key[2])
		if err != nil {
			return err
		}
		return a.g.AddMember(ctx, a.node, name, member)
	}
	return complexPath(c.Key)
}

// replaceSet makes the set hold exactly refs, in order. Members that stay
// keep their member attributes and registry.
func (a *applier) replaceSet(ctx context.Context, name string, refs []string) error {
	type kept struct {
		attrs, reg map[string]any
	}
	prior := map[string]kept{}
	for _, id := range a.sets[name] {
		m := &graph.Node{ID: id}
		attrs, err := a.g.MemberAttributes(ctx, a.node, name, m)
		if err != nil {
			return err
		}
		reg, err := a.g.MemberRegistry(ctx, a.node, name, m)
		if err != nil {
			return err
		}
		prior[id] = kept{attrs, reg}
	}

	if err := a.g.DelSet(ctx, a.node, name); err != nil {
		return err
	}
	if err := a.g.CreateSet(ctx, a.node, name); err != nil {
		return err
	}
	for _, s := range refs {
		member, err := a.r.Resolve(ctx, a.scope, s)
		if err != nil {
			return err
		}
		if err := a.g.AddMember(ctx, a.node, name, member); err != nil {
			return err
		}
		p := prior[member.ID]
		for k, v := range p.attrs {
			if err := a.g.SetMemberAttribute(ctx, a.node, name, member, k, v); err != nil {
				return err
			}
		}
		for k, v := range p.reg {
			if err := a.g.SetMemberRegistry(ctx, a.node, name, member, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- member_attributes / member_registry ---

type memberOps struct {
	get func(g graph.Graph, ctx context.Context, n *graph.Node, set string, m *graph.Node) (map[string]any, error)
	set func(g graph.Graph, ctx context.Context, n *graph.Node, set string, m *graph.Node, k string, v any) error
	del func(g graph.Graph, ctx context.Context, n *graph.Node, set string, m *graph.Node, k string) error
	// nested reports whether puts deeper than one value merge into it.
	nested bool
}

var memberAttributeOps = memberOps{
	get: graph.Graph.MemberAttributes,
	set: graph.Graph.SetMemberAttribute,
	del: graph.Graph.DelMemberAttribute,
}

var memberRegistryOps = memberOps{
	get:    graph.Graph.MemberRegistry,
	set:    graph.Graph.SetMemberRegistry,
	del:    graph.Graph.DelMemberRegistry,
	nested: true,
}

func (a *applier) memberData(ctx context.Context, c Change, ops memberOps) error {
	set := c.Key[1]
	if c.Type == Delete {
		return a.deleteMemberData(ctx, c, ops)
	}

	switch len(c.Key) {
	case 2:
		members, _ := c.Value.(map[string]any)
		for m, values := range members {
			if err := a.putMemberValues(ctx, set, m, values, ops); err != nil {
				return err
			}
		}
		return nil
	case 3:
		return a.putMemberValues(ctx, set, c.Key[2], c.Value, ops)
	case 4:
		member, err := a.r.Resolve(ctx, a.scope, c.Key[2])
		if err != nil {
			return err
		}
		return ops.set(a.g, ctx, a.node, set, member, c.Key[3], c.Value)
	}
	if !ops.nested {
		return complexPath(c.Key)
	}
	member, err := a.r.Resolve(ctx, a.scope, c.Key[2])
	if err != nil {
		return err
	}
	cur, err := ops.get(a.g, ctx, a.node, set, member)
	if err != nil {
		return err
	}
	inner, _ := cur[c.Key[3]].(map[string]any)
	return ops.set(a.g, ctx, a.node, set, member, c.Key[3], setPath(inner, c.Key[4:], c.Value))
}

func (a *applier) putMemberValues(ctx context.Context, set, memberRef string, v any, ops memberOps) error {
	member, err := a.r.Resolve(ctx, a.scope, memberRef)
	if err != nil {
		return err
	}
	values, _ := v.(map[string]any)
	for k, val := range values {
		if err := ops.set(a.g, ctx, a.node, set, member, k, val); err != nil {
			return err
		}
	}
	return nil
}

// deleteMemberData clears member data. Members that already left the set
// (or whose set is gone) are skipped.
func (a *applier) deleteMemberData(ctx context.Context, c Change, ops memberOps) error {
	if len(c.Key) > 4 {
		return complexPath(c.Key)
	}
	set := c.Key[1]

	var refs []string
	if len(c.Key) == 2 {
		for _, id := range a.sets[set] {
			refs = append(refs, ref.ForID(id))
		}
	} else {
		refs = []string{c.Key[2]}
	}

	for _, s := range refs {
		member, err := a.r.Lookup(ctx, a.scope, s)
		if err != nil {
			return err
		}
		if member == nil {
			continue
		}
		cur, err := ops.get(a.g, ctx, a.node, set, member)
		if stderrors.Is(err, graph.ErrNotMember) || stderrors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for k := range cur {
			if len(c.Key) == 4 && k != c.Key[3] {
				continue
			}
			if err := ops.del(a.g, ctx, a.node, set, member, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// setPath writes v at path inside m, creating intermediate objects and
// replacing non-object values on the way. It returns the (possibly new) map.
func setPath(m map[string]any, path []string, v any) map[string]any {
	if m == nil {
		m = map[string]any{}
	}
	if len(path) == 1 {
		m[path[0]] = v
		return m
	}
	inner, _ := m[path[0]].(map[string]any)
	m[path[0]] = setPath(inner, path[1:], v)
	return m
}

func deletePath(m map[string]any, path []string) {
	for len(path) > 1 {
		inner, ok := m[path[0]].(map[string]any)
		if !ok {
			return
		}
		m, path = inner, path[1:]
	}
	delete(m, path[0])
}
