// Package api defines the Canonical Document: the JSON shape a graph node
// subtree is serialized to and reconciled from.
package api

import (
	"encoding/json"
	"fmt"
)

// Document field names. Change records address these as their first key
// segment; id and children are handled structurally.
const (
	FieldID               = "id"
	FieldAttributes       = "attributes"
	FieldAttributeMeta    = "attribute_meta"
	FieldPointers         = "pointers"
	FieldPointerMeta      = "pointer_meta"
	FieldRegistry         = "registry"
	FieldSets             = "sets"
	FieldMemberAttributes = "member_attributes"
	FieldMemberRegistry   = "member_registry"
	FieldChildren         = "children"
)

// Cardinality keys inside a pointer_meta entry. Every other key of the
// entry is a target reference.
const (
	LimitMin = "min"
	LimitMax = "max"
)

// BasePointer is the pointer that names a node's prototype.
const BasePointer = "base"

// Document is the reconcilable state of one node and, optionally, its subtree.
type Document struct {
	// ID identifies the node relative to its parent (a reference tag).
	// It is ignored when diffing.
	ID string `json:"id,omitempty"`

	Attributes    map[string]any            `json:"attributes"`
	AttributeMeta map[string]map[string]any `json:"attribute_meta"`
	Pointers      map[string]string         `json:"pointers"`
	// PointerMeta maps a pointer name to {min, max, <targetRef>: {min, max}}.
	PointerMeta map[string]map[string]any `json:"pointer_meta"`
	Registry    map[string]any            `json:"registry"`
	// Sets lists members in order; order is significant.
	Sets             map[string][]string                  `json:"sets"`
	MemberAttributes map[string]map[string]map[string]any `json:"member_attributes"`
	MemberRegistry   map[string]map[string]map[string]any `json:"member_registry"`

	// Children is nil when the document says nothing about children (leave
	// them untouched) and empty when every child should be removed.
	Children []*Document `json:"children"`
}

// NewDocument returns a document with every collection initialised and
// children left unspecified.
func NewDocument(id string) *Document {
	return &Document{
		ID:               id,
		Attributes:       map[string]any{},
		AttributeMeta:    map[string]map[string]any{},
		Pointers:         map[string]string{},
		PointerMeta:      map[string]map[string]any{},
		Registry:         map[string]any{},
		Sets:             map[string][]string{},
		MemberAttributes: map[string]map[string]map[string]any{},
		MemberRegistry:   map[string]map[string]map[string]any{},
	}
}

// Fill replaces nil collections with empty ones. Children are left alone.
func (d *Document) Fill() {
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	if d.AttributeMeta == nil {
		d.AttributeMeta = map[string]map[string]any{}
	}
	if d.Pointers == nil {
		d.Pointers = map[string]string{}
	}
	if d.PointerMeta == nil {
		d.PointerMeta = map[string]map[string]any{}
	}
	if d.Registry == nil {
		d.Registry = map[string]any{}
	}
	if d.Sets == nil {
		d.Sets = map[string][]string{}
	}
	if d.MemberAttributes == nil {
		d.MemberAttributes = map[string]map[string]map[string]any{}
	}
	if d.MemberRegistry == nil {
		d.MemberRegistry = map[string]map[string]map[string]any{}
	}
}

// Clone returns a deep copy of the document, including its subtree.
func (d *Document) Clone() (*Document, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone document %s: %w", d.ID, err)
	}
	out, err := ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("clone document %s: %w", d.ID, err)
	}
	return out, nil
}

// Fields returns the eight diffable collections as generic JSON values
// (maps of any, numbers as float64), keyed by field name.
func (d *Document) Fields() (map[string]any, error) {
	shallow := *d
	shallow.ID = ""
	shallow.Children = nil
	shallow.Fill()

	raw, err := json.Marshal(&shallow)
	if err != nil {
		return nil, fmt.Errorf("encode document fields: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document fields: %w", err)
	}
	delete(fields, FieldID)
	delete(fields, FieldChildren)
	return fields, nil
}

// ParseDocument decodes a canonical document from JSON and initialises
// every missing collection, recursively.
func ParseDocument(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	d.fillTree()
	return &d, nil
}

func (d *Document) fillTree() {
	d.Fill()
	for _, c := range d.Children {
		if c != nil {
			c.fillTree()
		}
	}
}
