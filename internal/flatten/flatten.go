// Package flatten collapses nested model descriptions (a sequential or
// functional model used as a layer of another model) into one ordered layer
// list whose inbound edges are plain layer names.
package flatten

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/layersync/internal/errors"
)

var (
	layersPath = jp.MustParseString("$.config.layers")
	namePath   = jp.MustParseString("$.config.name")
	shapePath  = jp.MustParseString("$.config.batch_input_shape")
	outputPath = jp.MustParseString("$.config.output_layers[0][0]")
)

// Layer keys.
const (
	KeyClassName    = "class_name"
	KeyConfig       = "config"
	KeyName         = "name"
	KeyInboundNodes = "inbound_nodes"
	KeyInputShape   = "batch_input_shape"

	InputLayerClass = "InputLayer"
)

// Flatten returns a copy of model whose config.layers holds every layer of
// every nested sub-model, in order, each with inbound_nodes as a list of
// source layer names. The input is not modified; the copy carries ojg's
// number types (int64 for integers).
func Flatten(model map[string]any) (map[string]any, error) {
	dup, err := oj.ParseString(oj.JSON(model))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidModel, err, "copy model")
	}
	out, ok := dup.(map[string]any)
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidModel, "model is not an object")
	}
	if !IsModel(out) {
		return nil, errors.New(errors.ErrCodeInvalidModel, "model has no config.layers list")
	}
	layers, _, err := flattenModel(out, nil, true)
	if err != nil {
		return nil, err
	}
	flat := make([]any, len(layers))
	for i, l := range layers {
		flat[i] = l
	}
	out[KeyConfig].(map[string]any)["layers"] = flat
	return out, nil
}

// IsModel reports whether node has a config.layers list.
func IsModel(node any) bool {
	_, ok := layersPath.First(node).([]any)
	return ok
}

// CountNumberOfModels counts model nodes in model, including model itself.
func CountNumberOfModels(model any) int {
	layers, ok := layersPath.First(model).([]any)
	if !ok {
		return 0
	}
	n := 1
	for _, l := range layers {
		n += CountNumberOfModels(l)
	}
	return n
}

// LayerName returns the layer's name, falling back to config.name.
func LayerName(layer map[string]any) string {
	if s, ok := layer[KeyName].(string); ok && s != "" {
		return s
	}
	s, _ := namePath.First(layer).(string)
	return s
}

// functional reports whether every layer carries its own inbound edges.
func functional(layers []any) bool {
	if len(layers) == 0 {
		return false
	}
	for _, l := range layers {
		m, ok := l.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := m[KeyInboundNodes]; !ok {
			return false
		}
	}
	return true
}

// flattenModel inlines model's layers. inbound are the edges that pointed
// at the model in its parent; they move to the first inlined layer. It
// returns the flat layers and the name of the model's output layer.
func flattenModel(model map[string]any, inbound []string, top bool) ([]map[string]any, string, error) {
	layers, _ := layersPath.First(model).([]any)
	isFunctional := functional(layers)

	var (
		out    []map[string]any
		rename = map[string]string{} // sub-model name → its output layer
		prev   string
	)

	if !isFunctional && top {
		if input := synthesizeInput(layers); input != nil {
			out = append(out, input)
			prev = LayerName(input)
			inbound = []string{prev}
		}
	}

	for i, l := range layers {
		layer, ok := l.(map[string]any)
		if !ok {
			return nil, "", errors.New(errors.ErrCodeInvalidModel, "layer %d of %s is not an object", i, LayerName(model))
		}
		name := LayerName(layer)
		if name == "" {
			return nil, "", errors.New(errors.ErrCodeInvalidModel, "layer %d of %s has no name", i, LayerName(model))
		}

		var in []string
		switch {
		case i == 0 && (!isFunctional || !top):
			in = inbound
		case isFunctional:
			names, err := inboundNames(layer[KeyInboundNodes])
			if err != nil {
				return nil, "", fmt.Errorf("layer %s: %w", name, err)
			}
			for _, n := range names {
				if mapped, ok := rename[n]; ok {
					n = mapped
				}
				in = append(in, n)
			}
		default:
			in = []string{prev}
		}

		if IsModel(layer) {
			sub, output, err := flattenModel(layer, in, false)
			if err != nil {
				return nil, "", err
			}
			out = append(out, sub...)
			rename[name] = output
			prev = output
			continue
		}

		if in == nil {
			in = []string{}
		}
		layer[KeyInboundNodes] = toAny(in)
		out = append(out, layer)
		prev = name
	}

	output := prev
	if isFunctional {
		if s, ok := outputPath.First(model).(string); ok {
			output = s
			if mapped, ok := rename[s]; ok {
				output = mapped
			}
		}
	}
	return out, output, nil
}

// synthesizeInput builds the InputLayer a sequential model leaves
// implicit, moving batch_input_shape off the first layer. It returns nil
// when the model already starts with an InputLayer or has no shape.
func synthesizeInput(layers []any) map[string]any {
	if len(layers) == 0 {
		return nil
	}
	first, ok := layers[0].(map[string]any)
	if !ok || first[KeyClassName] == InputLayerClass {
		return nil
	}
	shape := shapePath.First(first)
	if shape == nil {
		return nil
	}
	cfg := first[KeyConfig].(map[string]any)
	delete(cfg, KeyInputShape)

	name := LayerName(first) + "_input"
	return map[string]any{
		KeyClassName: InputLayerClass,
		KeyName:      name,
		KeyConfig: map[string]any{
			KeyName:       name,
			KeyInputShape: shape,
		},
		KeyInboundNodes: []any{},
	}
}

// inboundNames converts the framework's call-record encoding
// ([[["dense", 0, 0, {}], ...]]) to a flat list of layer names. Lists that
// are already flat pass through.
func inboundNames(v any) ([]string, error) {
	var out []string
	var walk func(v any) error
	walk = func(v any) error {
		switch x := v.(type) {
		case nil:
			return nil
		case string:
			out = append(out, x)
		case []any:
			// call record: [name, node index, tensor index, kwargs]
			if len(x) >= 2 {
				s, isName := x[0].(string)
				_, nextIsName := x[1].(string)
				if isName && !nextIsName {
					out = append(out, s)
					return nil
				}
			}
			for _, e := range x {
				if err := walk(e); err != nil {
					return err
				}
			}
		default:
			return errors.New(errors.ErrCodeInvalidModel, "unexpected inbound entry %v", v)
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return out, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
