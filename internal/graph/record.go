package graph

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is the stored form of one node. Backends persist records
// wholesale; Store implements every Graph operation as load, modify, save.
type Record struct {
	ID     string `json:"id"`
	GUID   string `json:"guid"`
	Parent string `json:"parent"`
	Base   string `json:"base,omitempty"`
	// NextChild is the last relative ID handed to a child of this node.
	NextChild int `json:"next_child"`

	Attributes    map[string]any            `json:"attributes,omitempty"`
	AttributeMeta map[string]map[string]any `json:"attribute_meta,omitempty"`
	Pointers      map[string]string         `json:"pointers,omitempty"`
	PointerMeta   map[string]*PointerMeta   `json:"pointer_meta,omitempty"`
	Registry      map[string]any            `json:"registry,omitempty"`
	Sets          map[string][]*Member      `json:"sets,omitempty"`
}

// Member is one entry of a set, with its member-scoped data.
type Member struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Registry   map[string]any `json:"registry,omitempty"`
}

// Backend persists records. Implementations must return records that the
// caller may mutate freely (copies, not shared state).
type Backend interface {
	// Load returns ErrNotFound when no record has the ID.
	Load(ctx context.Context, id string) (*Record, error)
	// Save inserts or replaces the record, preserving creation order.
	Save(ctx context.Context, rec *Record) error
	Remove(ctx context.Context, id string) error
	// ChildIDs lists the children of parentID in creation order.
	ChildIDs(ctx context.Context, parentID string) ([]string, error)
	// LookupGUID returns ErrNotFound when no record has the GUID.
	LookupGUID(ctx context.Context, guid string) (string, error)
	// IDs lists every stored record ID.
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

// Transactor is implemented by backends that can run a group of operations
// all-or-nothing.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// clone deep-copies a record through its JSON form, which is also how the
// SQLite backend stores it.
func (r *Record) clone() (*Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record %q: %w", r.ID, err)
	}
	return decodeRecord(raw)
}

func decodeRecord(raw []byte) (*Record, error) {
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &out, nil
}

func (r *Record) member(set, id string) (*Member, error) {
	members, ok := r.Sets[set]
	if !ok {
		return nil, fmt.Errorf("set %q on %q: %w", set, r.ID, ErrNotFound)
	}
	for _, m := range members {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%q in set %q on %q: %w", id, set, r.ID, ErrNotMember)
}

// dropReferences removes every pointer, pointer target and set membership
// that points at one of the given IDs. It reports whether anything changed.
func (r *Record) dropReferences(gone map[string]struct{}) bool {
	changed := false
	for name, target := range r.Pointers {
		if _, ok := gone[target]; ok {
			delete(r.Pointers, name)
			changed = true
		}
	}
	if _, ok := gone[r.Base]; ok && r.Base != "" {
		r.Base = ""
		changed = true
	}
	for _, pm := range r.PointerMeta {
		for target := range pm.Targets {
			if _, ok := gone[target]; ok {
				delete(pm.Targets, target)
				changed = true
			}
		}
	}
	for set, members := range r.Sets {
		kept := members[:0]
		for _, m := range members {
			if _, ok := gone[m.ID]; ok {
				changed = true
				continue
			}
			kept = append(kept, m)
		}
		r.Sets[set] = kept
	}
	return changed
}
