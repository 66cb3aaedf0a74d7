package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Store implements Graph over a record Backend. Every mutation is one
// load-modify-save of a single record, so each call is atomic at the
// backend; group calls with Atomic for all-or-nothing behaviour.
type Store struct {
	backend Backend
}

var _ Graph = (*Store)(nil)

// NewStore wraps backend, creating the root and FCO on first use.
func NewStore(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}
	_, err := backend.Load(ctx, RootID)
	switch {
	case err == nil:
		return s, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Atomic(ctx, s.bootstrap); err != nil {
		return nil, fmt.Errorf("bootstrap store: %w", err)
	}
	return s, nil
}

// OpenMemory returns a Store over a fresh MemoryBackend.
func OpenMemory(ctx context.Context) (*Store, error) {
	return NewStore(ctx, NewMemoryBackend())
}

// OpenSQLite returns a Store over the database at dbPath.
func OpenSQLite(ctx context.Context, dbPath string) (*Store, error) {
	b, err := OpenSQLiteBackend(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	root := &Record{
		ID:         RootID,
		GUID:       uuid.NewString(),
		NextChild:  1,
		Attributes: map[string]any{NameAttribute: "ROOT"},
		Sets:       map[string][]*Member{MetaAspectSet: {{ID: FCOID}}},
	}
	fco := &Record{
		ID:         FCOID,
		GUID:       uuid.NewString(),
		Parent:     RootID,
		Attributes: map[string]any{NameAttribute: "FCO"},
	}
	if err := s.backend.Save(ctx, root); err != nil {
		return err
	}
	return s.backend.Save(ctx, fco)
}

// Atomic runs fn as one transaction when the backend supports it.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := s.backend.(Transactor); ok {
		return tx.WithTx(ctx, fn)
	}
	return fn(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) load(ctx context.Context, n *Node) (*Record, error) {
	if n == nil {
		return nil, fmt.Errorf("nil node: %w", ErrNotFound)
	}
	return s.backend.Load(ctx, n.ID)
}

func (s *Store) update(ctx context.Context, n *Node, fn func(rec *Record) error) error {
	rec, err := s.load(ctx, n)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.backend.Save(ctx, rec)
}

func handle(rec *Record) *Node {
	return &Node{ID: rec.ID, GUID: rec.GUID}
}

// --- NodeReader ---

func (s *Store) Root(ctx context.Context) (*Node, error) {
	return s.GetNode(ctx, RootID)
}

func (s *Store) FCO(ctx context.Context) (*Node, error) {
	return s.GetNode(ctx, FCOID)
}

func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	rec, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return handle(rec), nil
}

func (s *Store) GetNodeByGUID(ctx context.Context, guid string) (*Node, error) {
	id, err := s.backend.LookupGUID(ctx, guid)
	if err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

func (s *Store) MetaNodes(ctx context.Context) ([]*Node, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := s.Members(ctx, root, MetaAspectSet)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return nodes, err
}

func (s *Store) Parent(ctx context.Context, n *Node) (*Node, error) {
	if n.IsRoot() {
		return nil, nil
	}
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	return s.GetNode(ctx, rec.Parent)
}

func (s *Store) Children(ctx context.Context, n *Node) ([]*Node, error) {
	ids, err := s.backend.ChildIDs(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- Mutator ---

func (s *Store) CreateNode(ctx context.Context, parent, base *Node) (*Node, error) {
	if base != nil {
		if _, err := s.load(ctx, base); err != nil {
			return nil, fmt.Errorf("create node: base: %w", err)
		}
	}
	prec, err := s.load(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("create node: parent: %w", err)
	}
	prec.NextChild++
	if err := s.backend.Save(ctx, prec); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:     prec.ID + "/" + strconv.Itoa(prec.NextChild),
		GUID:   uuid.NewString(),
		Parent: prec.ID,
	}
	if base != nil {
		rec.Base = base.ID
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return nil, err
	}
	return handle(rec), nil
}

func (s *Store) DeleteNode(ctx context.Context, n *Node) error {
	if n.IsRoot() {
		return ErrRootImmutable
	}
	subtree, err := s.subtree(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("delete %q: %w", n.ID, err)
	}
	gone := make(map[string]struct{}, len(subtree))
	for i := len(subtree) - 1; i >= 0; i-- {
		if err := s.backend.Remove(ctx, subtree[i]); err != nil {
			return fmt.Errorf("delete %q: %w", n.ID, err)
		}
		gone[subtree[i]] = struct{}{}
	}

	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return fmt.Errorf("delete %q: %w", n.ID, err)
	}
	for _, id := range ids {
		rec, err := s.backend.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("delete %q: %w", n.ID, err)
		}
		if rec.dropReferences(gone) {
			if err := s.backend.Save(ctx, rec); err != nil {
				return fmt.Errorf("delete %q: %w", n.ID, err)
			}
		}
	}
	return nil
}

// subtree lists id and its descendants, parents before children.
func (s *Store) subtree(ctx context.Context, id string) ([]string, error) {
	if _, err := s.backend.Load(ctx, id); err != nil {
		return nil, err
	}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		kids, err := s.backend.ChildIDs(ctx, out[i])
		if err != nil {
			return nil, err
		}
		out = append(out, kids...)
	}
	return out, nil
}

// --- AttributeAccess ---

func (s *Store) Attribute(ctx context.Context, n *Node, name string) (any, bool, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, false, err
	}
	seen := map[string]bool{}
	for {
		if v, ok := rec.Attributes[name]; ok {
			return v, true, nil
		}
		if rec.Base == "" || seen[rec.Base] {
			return nil, false, nil
		}
		seen[rec.ID] = true
		if rec, err = s.backend.Load(ctx, rec.Base); err != nil {
			return nil, false, err
		}
	}
}

func (s *Store) OwnAttributes(ctx context.Context, n *Node) (map[string]any, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	if rec.Attributes == nil {
		return map[string]any{}, nil
	}
	return rec.Attributes, nil
}

func (s *Store) SetAttribute(ctx context.Context, n *Node, name string, value any) error {
	return s.update(ctx, n, func(rec *Record) error {
		if rec.Attributes == nil {
			rec.Attributes = map[string]any{}
		}
		rec.Attributes[name] = value
		return nil
	})
}

func (s *Store) DelAttribute(ctx context.Context, n *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		delete(rec.Attributes, name)
		return nil
	})
}

func (s *Store) OwnAttributeMeta(ctx context.Context, n *Node) (map[string]map[string]any, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	if rec.AttributeMeta == nil {
		return map[string]map[string]any{}, nil
	}
	return rec.AttributeMeta, nil
}

func (s *Store) SetAttributeMeta(ctx context.Context, n *Node, name string, schema map[string]any) error {
	return s.update(ctx, n, func(rec *Record) error {
		if rec.AttributeMeta == nil {
			rec.AttributeMeta = map[string]map[string]any{}
		}
		rec.AttributeMeta[name] = schema
		return nil
	})
}

func (s *Store) DelAttributeMeta(ctx context.Context, n *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		delete(rec.AttributeMeta, name)
		return nil
	})
}

// --- PointerAccess ---

func (s *Store) Pointer(ctx context.Context, n *Node, name string) (*Node, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	if name == BasePointer {
		if rec.Base == "" {
			return nil, nil
		}
		return s.GetNode(ctx, rec.Base)
	}
	seen := map[string]bool{}
	for {
		if target, ok := rec.Pointers[name]; ok {
			if target == "" {
				return nil, nil
			}
			return s.GetNode(ctx, target)
		}
		if rec.Base == "" || seen[rec.Base] {
			return nil, nil
		}
		seen[rec.ID] = true
		if rec, err = s.backend.Load(ctx, rec.Base); err != nil {
			return nil, err
		}
	}
}

func (s *Store) OwnPointers(ctx context.Context, n *Node) (map[string]string, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rec.Pointers)+1)
	for k, v := range rec.Pointers {
		out[k] = v
	}
	if rec.Base != "" {
		out[BasePointer] = rec.Base
	}
	return out, nil
}

// SetPointer sets a pointer; a nil target stores an explicit empty pointer.
// Setting "base" rebases the node.
func (s *Store) SetPointer(ctx context.Context, n *Node, name string, target *Node) error {
	if target != nil {
		if _, err := s.load(ctx, target); err != nil {
			return fmt.Errorf("set pointer %s: target: %w", name, err)
		}
	}
	if name != BasePointer {
		return s.update(ctx, n, func(rec *Record) error {
			if rec.Pointers == nil {
				rec.Pointers = map[string]string{}
			}
			rec.Pointers[name] = ""
			if target != nil {
				rec.Pointers[name] = target.ID
			}
			return nil
		})
	}

	if n.IsRoot() {
		return ErrRootImmutable
	}
	if target != nil {
		if err := s.checkBaseCycle(ctx, n.ID, target.ID); err != nil {
			return err
		}
	}
	return s.update(ctx, n, func(rec *Record) error {
		rec.Base = ""
		if target != nil {
			rec.Base = target.ID
		}
		return nil
	})
}

func (s *Store) checkBaseCycle(ctx context.Context, id, base string) error {
	for cur := base; cur != ""; {
		if cur == id {
			return fmt.Errorf("rebase %q onto %q: %w", id, base, ErrBaseCycle)
		}
		rec, err := s.backend.Load(ctx, cur)
		if err != nil {
			return err
		}
		cur = rec.Base
	}
	return nil
}

func (s *Store) DelPointer(ctx context.Context, n *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		if name == BasePointer {
			rec.Base = ""
			return nil
		}
		delete(rec.Pointers, name)
		return nil
	})
}

func (s *Store) OwnPointerMeta(ctx context.Context, n *Node) (map[string]PointerMeta, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PointerMeta, len(rec.PointerMeta))
	for name, pm := range rec.PointerMeta {
		if pm.Targets == nil {
			pm.Targets = map[string]Limits{}
		}
		out[name] = *pm
	}
	return out, nil
}

func (s *Store) SetPointerLimits(ctx context.Context, n *Node, name string, limits Limits) error {
	return s.update(ctx, n, func(rec *Record) error {
		if rec.PointerMeta == nil {
			rec.PointerMeta = map[string]*PointerMeta{}
		}
		pm, ok := rec.PointerMeta[name]
		if !ok {
			pm = &PointerMeta{Targets: map[string]Limits{}}
			rec.PointerMeta[name] = pm
		}
		pm.Limits = limits
		return nil
	})
}

func (s *Store) SetPointerTarget(ctx context.Context, n *Node, name string, target *Node, limits Limits) error {
	if _, err := s.load(ctx, target); err != nil {
		return fmt.Errorf("set pointer target %s: %w", name, err)
	}
	return s.update(ctx, n, func(rec *Record) error {
		pm, ok := rec.PointerMeta[name]
		if !ok {
			return fmt.Errorf("pointer meta %q on %q: %w", name, rec.ID, ErrNotFound)
		}
		if pm.Targets == nil {
			pm.Targets = map[string]Limits{}
		}
		pm.Targets[target.ID] = limits
		return nil
	})
}

func (s *Store) DelPointerTarget(ctx context.Context, n *Node, name string, target *Node) error {
	return s.update(ctx, n, func(rec *Record) error {
		if pm, ok := rec.PointerMeta[name]; ok {
			delete(pm.Targets, target.ID)
		}
		return nil
	})
}

func (s *Store) DelPointerMeta(ctx context.Context, n *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		delete(rec.PointerMeta, name)
		return nil
	})
}

// --- RegistryAccess ---

func (s *Store) OwnRegistry(ctx context.Context, n *Node) (map[string]any, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	if rec.Registry == nil {
		return map[string]any{}, nil
	}
	return rec.Registry, nil
}

func (s *Store) SetRegistry(ctx context.Context, n *Node, name string, value any) error {
	return s.update(ctx, n, func(rec *Record) error {
		if rec.Registry == nil {
			rec.Registry = map[string]any{}
		}
		rec.Registry[name] = value
		return nil
	})
}

func (s *Store) DelRegistry(ctx context.Context, n *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		delete(rec.Registry, name)
		return nil
	})
}

// --- SetAccess ---

func (s *Store) OwnSets(ctx context.Context, n *Node) (map[string][]string, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(rec.Sets))
	for name, members := range rec.Sets {
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		out[name] = ids
	}
	return out, nil
}

func (s *Store) CreateSet(ctx context.Context, n *Node, set string) error {
	return s.update(ctx, n, func(rec *Record) error {
		if rec.Sets == nil {
			rec.Sets = map[string][]*Member{}
		}
		if _, ok := rec.Sets[set]; !ok {
			rec.Sets[set] = []*Member{}
		}
		return nil
	})
}

func (s *Store) DelSet(ctx context.Context, n *Node, set string) error {
	return s.update(ctx, n, func(rec *Record) error {
		delete(rec.Sets, set)
		return nil
	})
}

func (s *Store) Members(ctx context.Context, n *Node, set string) ([]*Node, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	members, ok := rec.Sets[set]
	if !ok {
		return nil, fmt.Errorf("set %q on %q: %w", set, rec.ID, ErrNotFound)
	}
	out := make([]*Node, 0, len(members))
	for _, m := range members {
		node, err := s.GetNode(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

// AddMember creates the set when it does not exist yet.
func (s *Store) AddMember(ctx context.Context, n *Node, set string, member *Node) error {
	if _, err := s.load(ctx, member); err != nil {
		return fmt.Errorf("add member to %s: %w", set, err)
	}
	return s.update(ctx, n, func(rec *Record) error {
		if rec.Sets == nil {
			rec.Sets = map[string][]*Member{}
		}
		for _, m := range rec.Sets[set] {
			if m.ID == member.ID {
				return nil
			}
		}
		rec.Sets[set] = append(rec.Sets[set], &Member{ID: member.ID})
		return nil
	})
}

func (s *Store) DelMember(ctx context.Context, n *Node, set string, member *Node) error {
	return s.update(ctx, n, func(rec *Record) error {
		members := rec.Sets[set]
		for i, m := range members {
			if m.ID == member.ID {
				rec.Sets[set] = append(members[:i], members[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (s *Store) MemberAttributes(ctx context.Context, n *Node, set string, member *Node) (map[string]any, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	m, err := rec.member(set, member.ID)
	if err != nil {
		return nil, err
	}
	if m.Attributes == nil {
		return map[string]any{}, nil
	}
	return m.Attributes, nil
}

func (s *Store) SetMemberAttribute(ctx context.Context, n *Node, set string, member *Node, name string, value any) error {
	return s.update(ctx, n, func(rec *Record) error {
		m, err := rec.member(set, member.ID)
		if err != nil {
			return err
		}
		if m.Attributes == nil {
			m.Attributes = map[string]any{}
		}
		m.Attributes[name] = value
		return nil
	})
}

func (s *Store) DelMemberAttribute(ctx context.Context, n *Node, set string, member *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		m, err := rec.member(set, member.ID)
		if err != nil {
			return err
		}
		delete(m.Attributes, name)
		return nil
	})
}

func (s *Store) MemberRegistry(ctx context.Context, n *Node, set string, member *Node) (map[string]any, error) {
	rec, err := s.load(ctx, n)
	if err != nil {
		return nil, err
	}
	m, err := rec.member(set, member.ID)
	if err != nil {
		return nil, err
	}
	if m.Registry == nil {
		return map[string]any{}, nil
	}
	return m.Registry, nil
}

func (s *Store) SetMemberRegistry(ctx context.Context, n *Node, set string, member *Node, name string, value any) error {
	return s.update(ctx, n, func(rec *Record) error {
		m, err := rec.member(set, member.ID)
		if err != nil {
			return err
		}
		if m.Registry == nil {
			m.Registry = map[string]any{}
		}
		m.Registry[name] = value
		return nil
	})
}

func (s *Store) DelMemberRegistry(ctx context.Context, n *Node, set string, member *Node, name string) error {
	return s.update(ctx, n, func(rec *Record) error {
		m, err := rec.member(set, member.ID)
		if err != nil {
			return err
		}
		delete(m.Registry, name)
		return nil
	})
}
