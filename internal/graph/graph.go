package graph

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a node, set or member does not exist.
	ErrNotFound = errors.New("node not found")

	// ErrNotMember is returned by member-scoped operations when the node is
	// not a member of the named set.
	ErrNotMember = errors.New("not a set member")

	// ErrBaseCycle is returned by SetPointer when the new base would make a
	// node inherit from itself.
	ErrBaseCycle = errors.New("base pointer would create an inheritance cycle")

	// ErrRootImmutable is returned when deleting or rebasing the root node.
	ErrRootImmutable = errors.New("root node cannot be deleted or rebased")
)

// Well-known structure of every project.
const (
	// RootID is the path of the project root.
	RootID = ""
	// FCOID is the path of the first-class object every other node derives from.
	FCOID = "/1"
	// MetaAspectSet is the root set whose members are the meta-types.
	MetaAspectSet = "MetaAspectSet"
	// NameAttribute is the attribute used as a node's display name.
	NameAttribute = "name"
	// BasePointer names the prototype pointer.
	BasePointer = "base"
	// Unbounded is the cardinality limit meaning "no limit".
	Unbounded = -1
)

// Node is a handle to a node in the graph. The ID is the node's path
// ("" for the root, "/1/4" for a grandchild) and never changes; the GUID is
// a stable identity that survives export and re-import.
type Node struct {
	ID   string
	GUID string
}

// IsRoot reports whether the handle addresses the project root.
func (n *Node) IsRoot() bool { return n.ID == RootID }

// Limits is a min/max cardinality pair; Unbounded means no limit.
type Limits struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// PointerMeta describes a pointer: its own cardinality and the targets it
// may point at, each with its own cardinality. Targets are keyed by node ID.
type PointerMeta struct {
	Limits
	Targets map[string]Limits `json:"targets"`
}

// NodeReader navigates the graph.
type NodeReader interface {
	Root(ctx context.Context) (*Node, error)
	// FCO returns the default ancestor for new nodes.
	FCO(ctx context.Context) (*Node, error)
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByGUID(ctx context.Context, guid string) (*Node, error)
	// MetaNodes returns the members of the root's MetaAspectSet.
	MetaNodes(ctx context.Context) ([]*Node, error)
	// Parent returns nil for the root.
	Parent(ctx context.Context, n *Node) (*Node, error)
	// Children returns direct children in creation order.
	Children(ctx context.Context, n *Node) ([]*Node, error)
}

// Mutator creates and deletes nodes.
type Mutator interface {
	CreateNode(ctx context.Context, parent, base *Node) (*Node, error)
	// DeleteNode removes the node, its subtree, and every pointer, set
	// membership and pointer target that referred into the subtree.
	DeleteNode(ctx context.Context, n *Node) error
}

// AttributeAccess reads and writes attribute values and schemas.
type AttributeAccess interface {
	// Attribute follows the base chain.
	Attribute(ctx context.Context, n *Node, name string) (any, bool, error)
	OwnAttributes(ctx context.Context, n *Node) (map[string]any, error)
	SetAttribute(ctx context.Context, n *Node, name string, value any) error
	DelAttribute(ctx context.Context, n *Node, name string) error

	OwnAttributeMeta(ctx context.Context, n *Node) (map[string]map[string]any, error)
	SetAttributeMeta(ctx context.Context, n *Node, name string, schema map[string]any) error
	DelAttributeMeta(ctx context.Context, n *Node, name string) error
}

// PointerAccess reads and writes pointers and pointer definitions.
type PointerAccess interface {
	// Pointer follows the base chain; it returns nil when unset.
	Pointer(ctx context.Context, n *Node, name string) (*Node, error)
	// OwnPointers maps pointer name to target ID, including "base".
	OwnPointers(ctx context.Context, n *Node) (map[string]string, error)
	SetPointer(ctx context.Context, n *Node, name string, target *Node) error
	DelPointer(ctx context.Context, n *Node, name string) error

	OwnPointerMeta(ctx context.Context, n *Node) (map[string]PointerMeta, error)
	// SetPointerLimits creates the definition when it does not exist.
	SetPointerLimits(ctx context.Context, n *Node, name string, limits Limits) error
	SetPointerTarget(ctx context.Context, n *Node, name string, target *Node, limits Limits) error
	DelPointerTarget(ctx context.Context, n *Node, name string, target *Node) error
	DelPointerMeta(ctx context.Context, n *Node, name string) error
}

// RegistryAccess reads and writes free-form registry entries.
type RegistryAccess interface {
	OwnRegistry(ctx context.Context, n *Node) (map[string]any, error)
	SetRegistry(ctx context.Context, n *Node, name string, value any) error
	DelRegistry(ctx context.Context, n *Node, name string) error
}

// SetAccess manages named, ordered sets and their per-member data.
type SetAccess interface {
	// OwnSets maps set name to member IDs in order.
	OwnSets(ctx context.Context, n *Node) (map[string][]string, error)
	CreateSet(ctx context.Context, n *Node, set string) error
	DelSet(ctx context.Context, n *Node, set string) error
	Members(ctx context.Context, n *Node, set string) ([]*Node, error)
	// AddMember appends; adding an existing member is a no-op.
	AddMember(ctx context.Context, n *Node, set string, member *Node) error
	DelMember(ctx context.Context, n *Node, set string, member *Node) error

	MemberAttributes(ctx context.Context, n *Node, set string, member *Node) (map[string]any, error)
	SetMemberAttribute(ctx context.Context, n *Node, set string, member *Node, name string, value any) error
	DelMemberAttribute(ctx context.Context, n *Node, set string, member *Node, name string) error
	MemberRegistry(ctx context.Context, n *Node, set string, member *Node) (map[string]any, error)
	SetMemberRegistry(ctx context.Context, n *Node, set string, member *Node, name string, value any) error
	DelMemberRegistry(ctx context.Context, n *Node, set string, member *Node, name string) error
}

// Graph is the capability surface the importer works against.
// This allows us to swap the backend (Memory -> SQLite) without touching it.
type Graph interface {
	NodeReader
	Mutator
	AttributeAccess
	PointerAccess
	RegistryAccess
	SetAccess
}
