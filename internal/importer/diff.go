package importer

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/agentic-research/layersync/api"
)

// ChangeType is the kind of a change record.
type ChangeType int

const (
	Put ChangeType = iota
	Delete
)

func (t ChangeType) String() string {
	if t == Delete {
		return "delete"
	}
	return "put"
}

// MarshalText renders the type as "put" or "delete".
func (t ChangeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses "put" or "delete".
func (t *ChangeType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "put":
		*t = Put
	case "delete":
		*t = Delete
	default:
		return fmt.Errorf("unknown change type %q", b)
	}
	return nil
}

// Change is one difference between two documents. Key[0] names the
// document field; deeper segments address nested keys. A set-member delete
// carries the member's index in the current list as its last segment.
type Change struct {
	Type  ChangeType `json:"type"`
	Key   []string   `json:"key"`
	Value any        `json:"value,omitempty"`
}

func (c Change) String() string {
	path := strings.Join(c.Key, ".")
	if c.Type == Delete {
		return "delete " + path
	}
	return fmt.Sprintf("put %s = %v", path, c.Value)
}

// Diff compares current with desired, ignoring id and children, and
// returns the records that turn current into desired. Maps are compared
// key by key; arrays are opaque except set member lists. Records come out
// sorted by key.
func Diff(current, desired *api.Document) ([]Change, error) {
	cur, err := current.Fields()
	if err != nil {
		return nil, fmt.Errorf("diff: current: %w", err)
	}
	des, err := desired.Fields()
	if err != nil {
		return nil, fmt.Errorf("diff: desired: %w", err)
	}
	var out []Change
	diffMap(&out, nil, cur, des)
	return out, nil
}

func diffMap(out *[]Change, path []string, cur, des map[string]any) {
	for _, k := range unionKeys(cur, des) {
		key := appendKey(path, k)
		c, inCur := cur[k]
		d, inDes := des[k]
		switch {
		case !inCur:
			*out = append(*out, Change{Type: Put, Key: key, Value: d})
		case !inDes:
			*out = append(*out, Change{Type: Delete, Key: key})
		case len(path) == 1 && path[0] == api.FieldSets:
			diffSet(out, key, c, d)
		default:
			cm, cok := c.(map[string]any)
			dm, dok := d.(map[string]any)
			if cok && dok {
				diffMap(out, key, cm, dm)
			} else if !reflect.DeepEqual(c, d) {
				*out = append(*out, Change{Type: Put, Key: key, Value: d})
			}
		}
	}
}

// diffSet emits member-level records when appending the added members to
// the retained ones reproduces the desired order, and a whole-set put
// otherwise (which the applier treats as an in-order replacement).
func diffSet(out *[]Change, key []string, cur, des any) {
	old := toStrings(cur)
	want := toStrings(des)
	if slices.Equal(old, want) {
		return
	}

	var (
		result  []string
		deletes []Change
		puts    []Change
	)
	for i, m := range old {
		if slices.Contains(want, m) {
			result = append(result, m)
			continue
		}
		deletes = append(deletes, Change{Type: Delete, Key: appendKey(key, strconv.Itoa(i))})
	}
	for _, m := range want {
		if !slices.Contains(old, m) {
			result = append(result, m)
			puts = append(puts, Change{Type: Put, Key: appendKey(key, m), Value: m})
		}
	}
	if !slices.Equal(result, want) {
		*out = append(*out, Change{Type: Put, Key: key, Value: des})
		return
	}
	*out = append(*out, deletes...)
	*out = append(*out, puts...)
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprint(it))
	}
	return out
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func appendKey(path []string, k string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, k)
}
