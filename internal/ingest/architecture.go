// Package ingest turns model descriptions into canonical documents and
// moves documents and models through a billy filesystem.
package ingest

import (
	"fmt"
	"slices"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
	"github.com/agentic-research/layersync/internal/flatten"
	"github.com/agentic-research/layersync/internal/ref"
)

// InputsSet is the set on each layer node that lists its source layers.
const InputsSet = "inputs"

// PositionKey is the registry entry holding a layer's {x, y} placement.
const PositionKey = "position"

// Column placement for imported layers.
const (
	ColumnX = 100
	RowStep = 100
)

// ArchitectureDocument converts a flattened model into a document for the
// model's container node: one child per layer, identified by name, whose
// base is the meta node of its class. Scalar config values become
// attributes and inbound edges become the ordered "inputs" set.
func ArchitectureDocument(flat map[string]any) (*api.Document, error) {
	if flatten.CountNumberOfModels(flat) != 1 {
		return nil, errors.New(errors.ErrCodeInvalidModel, "model is not flat")
	}
	name := flatten.LayerName(flat)
	if name == "" {
		return nil, errors.New(errors.ErrCodeInvalidModel, "model has no name")
	}

	doc := api.NewDocument(ref.Name{Name: name}.String())
	doc.Attributes[flatten.KeyName] = name
	doc.Children = []*api.Document{}

	layers, _ := flat[flatten.KeyConfig].(map[string]any)["layers"].([]any)
	seen := make(map[string]bool, len(layers))
	for i, l := range layers {
		layer, ok := l.(map[string]any)
		if !ok {
			return nil, errors.New(errors.ErrCodeInvalidModel, "layer %d is not an object", i)
		}
		child, err := layerDocument(layer, i)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if seen[child.ID] {
			return nil, errors.New(errors.ErrCodeInvalidModel, "layer name %s used twice", child.ID)
		}
		seen[child.ID] = true
		doc.Children = append(doc.Children, child)
	}
	return doc, nil
}

func layerDocument(layer map[string]any, row int) (*api.Document, error) {
	name := flatten.LayerName(layer)
	if name == "" {
		return nil, errors.New(errors.ErrCodeInvalidModel, "layer has no name")
	}
	class, _ := layer[flatten.KeyClassName].(string)
	if class == "" {
		return nil, errors.New(errors.ErrCodeInvalidModel, "layer %s has no class_name", name)
	}

	doc := api.NewDocument(ref.Name{Name: name}.String())
	doc.Pointers[api.BasePointer] = ref.Meta{Name: class}.String()

	if cfg, ok := layer[flatten.KeyConfig].(map[string]any); ok {
		for k, v := range cfg {
			if scalar(v) {
				doc.Attributes[k] = v
			}
		}
	}
	doc.Attributes[flatten.KeyName] = name

	doc.Registry[PositionKey] = map[string]any{"x": ColumnX, "y": row * RowStep}

	if in, ok := layer[flatten.KeyInboundNodes].([]any); ok && len(in) > 0 {
		members := make([]string, 0, len(in))
		for _, src := range in {
			s, ok := src.(string)
			if !ok {
				return nil, errors.New(errors.ErrCodeInvalidModel, "layer %s: inbound %v is not a layer name", name, src)
			}
			m := ref.Name{Name: s}.String()
			if !slices.Contains(members, m) {
				members = append(members, m)
			}
		}
		doc.Sets[InputsSet] = members
	}
	return doc, nil
}

func scalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, float64:
		return true
	}
	return false
}
