package ingest

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Query evaluates a JSONPath selector against root and returns every match
// in document order.
func Query(root any, selector string) ([]any, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	return x.Get(root), nil
}

// QueryObject is Query for selectors that must pick exactly one object.
func QueryObject(root any, selector string) (map[string]any, error) {
	matches, err := Query(root, selector)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("jsonpath '%s': want one match, got %d", selector, len(matches))
	}
	m, ok := matches[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jsonpath '%s': match is %T, not an object", selector, matches[0])
	}
	return m, nil
}
