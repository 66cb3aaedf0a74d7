// Package ref parses reference tags: the strings a canonical document uses
// to point at other nodes.
//
//	@meta:Dense            meta-type by display name
//	@name:conv1            child of the scope node by name
//	@attribute:kind:input  child of the scope node by attribute value
//	@path:1/3              path relative to the scope node
//	@id:/1/3               absolute node path
//	@guid:<uuid>           stable identity
//	/1/3                   untagged: path under the document root
package ref

import (
	"strings"

	"github.com/agentic-research/layersync/internal/errors"
)

// Tag is a parsed reference. The concrete types are Meta, Name, Attribute,
// Path, ID, GUID and RootPath.
type Tag interface {
	// String renders the tag back to its document form.
	String() string
	tag()
}

// Meta selects a meta-type by its name attribute.
type Meta struct{ Name string }

// Name selects a child of the scope node by its name attribute.
type Name struct{ Name string }

// Attribute selects a child of the scope node whose attribute Attr
// equals Value (compared as text).
type Attribute struct{ Attr, Value string }

// Path is a path relative to the scope node.
type Path struct{ Path string }

// ID is an absolute node path ("" is the root).
type ID struct{ Path string }

// GUID is a stable node identity.
type GUID struct{ GUID string }

// RootPath is an untagged string: a path under the document root.
type RootPath struct{ Path string }

func (t Meta) String() string      { return "@meta:" + t.Name }
func (t Name) String() string      { return "@name:" + t.Name }
func (t Attribute) String() string { return "@attribute:" + t.Attr + ":" + t.Value }
func (t Path) String() string      { return "@path:" + t.Path }
func (t ID) String() string        { return "@id:" + t.Path }
func (t GUID) String() string      { return "@guid:" + t.GUID }
func (t RootPath) String() string  { return t.Path }

func (Meta) tag()      {}
func (Name) tag()      {}
func (Attribute) tag() {}
func (Path) tag()      {}
func (ID) tag()        {}
func (GUID) tag()      {}
func (RootPath) tag()  {}

// Parse parses a reference string. Strings starting with "@" must carry a
// known tag, otherwise the error has code UNKNOWN_REFERENCE_TAG.
func Parse(s string) (Tag, error) {
	if !strings.HasPrefix(s, "@") {
		return RootPath{Path: s}, nil
	}
	kind, value, ok := strings.Cut(s[1:], ":")
	if !ok {
		return nil, errors.New(errors.ErrCodeUnknownReferenceTag, "reference %q has no tag value", s)
	}
	switch kind {
	case "meta":
		return Meta{Name: value}, nil
	case "name":
		return Name{Name: value}, nil
	case "attribute":
		attr, v, ok := strings.Cut(value, ":")
		if !ok || attr == "" {
			return nil, errors.New(errors.ErrCodeUnknownReferenceTag, "reference %q: want @attribute:<attr>:<value>", s)
		}
		return Attribute{Attr: attr, Value: v}, nil
	case "path":
		return Path{Path: value}, nil
	case "id":
		return ID{Path: value}, nil
	case "guid":
		return GUID{GUID: value}, nil
	default:
		return nil, errors.New(errors.ErrCodeUnknownReferenceTag, "unknown reference tag @%s in %q", kind, s)
	}
}

// MustParse is Parse for references known to be well formed.
func MustParse(s string) Tag {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// ForID renders the canonical reference to a node path.
func ForID(path string) string {
	return ID{Path: path}.String()
}

// Creatable reports whether a node matching t may be created when the
// lookup fails, and which attribute the new node gets so that the tag
// resolves to it afterwards.
func Creatable(t Tag) (attr, value string, ok bool) {
	switch t := t.(type) {
	case Meta:
		return "name", t.Name, true
	case Name:
		return "name", t.Name, true
	case Attribute:
		return t.Attr, t.Value, true
	}
	return "", "", false
}
