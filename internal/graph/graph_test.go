package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn once per storage backend so both honour the same contract.
func backends(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s, err := OpenMemory(context.Background())
		require.NoError(t, err)
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "graph.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestStore_Bootstrap(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, err := s.Root(ctx)
		require.NoError(t, err)
		assert.True(t, root.IsRoot())
		assert.NotEmpty(t, root.GUID)

		fco, err := s.FCO(ctx)
		require.NoError(t, err)
		assert.Equal(t, FCOID, fco.ID)

		name, ok, err := s.Attribute(ctx, fco, NameAttribute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "FCO", name)

		metas, err := s.MetaNodes(ctx)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, FCOID, metas[0].ID)

		parent, err := s.Parent(ctx, fco)
		require.NoError(t, err)
		assert.True(t, parent.IsRoot())
	})
}

func TestStore_CreateChildrenInOrder(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)

		a, err := s.CreateNode(ctx, root, fco)
		require.NoError(t, err)
		b, err := s.CreateNode(ctx, root, fco)
		require.NoError(t, err)
		c, err := s.CreateNode(ctx, a, b)
		require.NoError(t, err)

		assert.Equal(t, "/2", a.ID)
		assert.Equal(t, "/3", b.ID)
		assert.Equal(t, "/2/1", c.ID)

		kids, err := s.Children(ctx, root)
		require.NoError(t, err)
		require.Len(t, kids, 3)
		assert.Equal(t, []string{FCOID, "/2", "/3"}, []string{kids[0].ID, kids[1].ID, kids[2].ID})

		byGUID, err := s.GetNodeByGUID(ctx, c.GUID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, byGUID.ID)

		base, err := s.Pointer(ctx, c, BasePointer)
		require.NoError(t, err)
		assert.Equal(t, b.ID, base.ID)
	})
}

func TestStore_AttributeInheritance(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)
		proto, _ := s.CreateNode(ctx, root, fco)
		inst, _ := s.CreateNode(ctx, root, proto)

		require.NoError(t, s.SetAttribute(ctx, proto, "units", float64(32)))
		v, ok, err := s.Attribute(ctx, inst, "units")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, float64(32), v)

		own, err := s.OwnAttributes(ctx, inst)
		require.NoError(t, err)
		assert.Empty(t, own)

		require.NoError(t, s.SetAttribute(ctx, inst, "units", float64(8)))
		v, _, _ = s.Attribute(ctx, inst, "units")
		assert.Equal(t, float64(8), v)

		require.NoError(t, s.DelAttribute(ctx, inst, "units"))
		v, _, _ = s.Attribute(ctx, inst, "units")
		assert.Equal(t, float64(32), v)
	})
}

func TestStore_BaseCycleRejected(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)
		a, _ := s.CreateNode(ctx, root, fco)
		b, _ := s.CreateNode(ctx, root, a)

		assert.ErrorIs(t, s.SetPointer(ctx, a, BasePointer, b), ErrBaseCycle)
		assert.ErrorIs(t, s.SetPointer(ctx, root, BasePointer, fco), ErrRootImmutable)
	})
}

func TestStore_PointerMeta(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)
		n, _ := s.CreateNode(ctx, root, fco)
		t1, _ := s.CreateNode(ctx, root, fco)
		t2, _ := s.CreateNode(ctx, root, fco)

		require.ErrorIs(t, s.SetPointerTarget(ctx, n, "src", t1, Limits{0, 1}), ErrNotFound)

		require.NoError(t, s.SetPointerLimits(ctx, n, "src", Limits{Min: 1, Max: 1}))
		require.NoError(t, s.SetPointerTarget(ctx, n, "src", t1, Limits{Min: 0, Max: 1}))
		require.NoError(t, s.SetPointerTarget(ctx, n, "src", t2, Limits{Min: 0, Max: Unbounded}))

		pm, err := s.OwnPointerMeta(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, Limits{Min: 1, Max: 1}, pm["src"].Limits)
		assert.Equal(t, Limits{Min: 0, Max: Unbounded}, pm["src"].Targets[t2.ID])

		require.NoError(t, s.DelPointerTarget(ctx, n, "src", t1))
		pm, _ = s.OwnPointerMeta(ctx, n)
		assert.NotContains(t, pm["src"].Targets, t1.ID)
		assert.Contains(t, pm["src"].Targets, t2.ID)

		require.NoError(t, s.DelPointerMeta(ctx, n, "src"))
		pm, _ = s.OwnPointerMeta(ctx, n)
		assert.Empty(t, pm)
	})
}

func TestStore_SetsAndMemberData(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)
		n, _ := s.CreateNode(ctx, root, fco)
		a, _ := s.CreateNode(ctx, root, fco)
		b, _ := s.CreateNode(ctx, root, fco)

		require.NoError(t, s.CreateSet(ctx, n, "inputs"))
		sets, err := s.OwnSets(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"inputs": {}}, sets)

		require.NoError(t, s.AddMember(ctx, n, "inputs", a))
		require.NoError(t, s.AddMember(ctx, n, "inputs", b))
		require.NoError(t, s.AddMember(ctx, n, "inputs", a))
		require.NoError(t, s.SetMemberRegistry(ctx, n, "inputs", b, "position", map[string]any{"x": float64(1)}))
		require.NoError(t, s.SetMemberAttribute(ctx, n, "inputs", a, "weight", float64(2)))

		sets, _ = s.OwnSets(ctx, n)
		assert.Equal(t, []string{a.ID, b.ID}, sets["inputs"])

		reg, err := s.MemberRegistry(ctx, n, "inputs", b)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"x": float64(1)}, reg["position"])

		require.NoError(t, s.DelMember(ctx, n, "inputs", a))
		sets, _ = s.OwnSets(ctx, n)
		assert.Equal(t, []string{b.ID}, sets["inputs"])
		reg, _ = s.MemberRegistry(ctx, n, "inputs", b)
		assert.Contains(t, reg, "position")

		_, err = s.MemberAttributes(ctx, n, "inputs", a)
		assert.ErrorIs(t, err, ErrNotMember)

		require.NoError(t, s.DelSet(ctx, n, "inputs"))
		_, err = s.Members(ctx, n, "inputs")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteNodeCleansReferences(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)
		keep, _ := s.CreateNode(ctx, root, fco)
		doomed, _ := s.CreateNode(ctx, root, fco)
		grandchild, _ := s.CreateNode(ctx, doomed, fco)

		require.NoError(t, s.SetPointer(ctx, keep, "src", grandchild))
		require.NoError(t, s.AddMember(ctx, keep, "inputs", doomed))
		require.NoError(t, s.SetPointerLimits(ctx, keep, "dst", Limits{0, 1}))
		require.NoError(t, s.SetPointerTarget(ctx, keep, "dst", doomed, Limits{0, 1}))

		require.NoError(t, s.DeleteNode(ctx, doomed))

		_, err := s.GetNode(ctx, doomed.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetNode(ctx, grandchild.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		ptrs, _ := s.OwnPointers(ctx, keep)
		assert.NotContains(t, ptrs, "src")
		sets, _ := s.OwnSets(ctx, keep)
		assert.Empty(t, sets["inputs"])
		pm, _ := s.OwnPointerMeta(ctx, keep)
		assert.Empty(t, pm["dst"].Targets)

		kids, _ := s.Children(ctx, root)
		assert.Len(t, kids, 2)

		assert.ErrorIs(t, s.DeleteNode(ctx, root), ErrRootImmutable)
	})
}

func TestStore_AtomicRollsBack(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		root, _ := s.Root(ctx)
		fco, _ := s.FCO(ctx)

		err := s.Atomic(ctx, func(ctx context.Context) error {
			n, err := s.CreateNode(ctx, root, fco)
			require.NoError(t, err)
			require.NoError(t, s.SetAttribute(ctx, n, NameAttribute, "tmp"))
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		kids, err := s.Children(ctx, root)
		require.NoError(t, err)
		assert.Len(t, kids, 1)

		// Child IDs are reissued after rollback.
		n, err := s.CreateNode(ctx, root, fco)
		require.NoError(t, err)
		assert.Equal(t, "/2", n.ID)
	})
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	root, _ := s.Root(ctx)
	fco, _ := s.FCO(ctx)
	n, err := s.CreateNode(ctx, root, fco)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute(ctx, n, NameAttribute, "Dense"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	reopened, err := s.GetNodeByGUID(ctx, n.GUID)
	require.NoError(t, err)
	name, _, err := s.Attribute(ctx, reopened, NameAttribute)
	require.NoError(t, err)
	assert.Equal(t, "Dense", name)
}
