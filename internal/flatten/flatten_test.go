package flatten

import (
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/layersync/internal/errors"
)

func parse(t *testing.T, s string) map[string]any {
	t.Helper()
	v, err := oj.ParseString(s)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	return m
}

func layers(t *testing.T, model map[string]any) []map[string]any {
	t.Helper()
	raw, ok := layersPath.First(model).([]any)
	require.True(t, ok)
	out := make([]map[string]any, len(raw))
	for i, l := range raw {
		out[i] = l.(map[string]any)
	}
	return out
}

const sequential = `{
	"class_name": "Sequential",
	"config": {
		"name": "seq",
		"layers": [
			{"class_name": "Dense", "config": {"name": "dense_1", "units": 32, "batch_input_shape": [null, 10]}},
			{"class_name": "Dense", "config": {"name": "dense_2", "units": 16}},
			{"class_name": "Dense", "config": {"name": "dense_3", "units": 1}}
		]
	}
}`

func TestFlatten_SequentialSynthesizesInput(t *testing.T) {
	model := parse(t, sequential)
	flat, err := Flatten(model)
	require.NoError(t, err)

	ls := layers(t, flat)
	require.Len(t, ls, 4)

	assert.Equal(t, InputLayerClass, ls[0][KeyClassName])
	assert.Equal(t, "dense_1_input", LayerName(ls[0]))
	assert.Equal(t, []any{}, ls[0][KeyInboundNodes])
	assert.Equal(t, []any{nil, int64(10)}, ls[0][KeyConfig].(map[string]any)[KeyInputShape])

	assert.Equal(t, []any{"dense_1_input"}, ls[1][KeyInboundNodes])
	assert.Equal(t, []any{"dense_1"}, ls[2][KeyInboundNodes])
	assert.Equal(t, []any{"dense_2"}, ls[3][KeyInboundNodes])
	assert.NotContains(t, ls[1][KeyConfig], KeyInputShape)

	// The input is untouched.
	orig := layers(t, model)
	assert.Len(t, orig, 3)
	assert.Contains(t, orig[0][KeyConfig], KeyInputShape)
	assert.NotContains(t, orig[0], KeyInboundNodes)
}

const nested = `{
	"class_name": "Model",
	"config": {
		"name": "outer",
		"layers": [
			{"name": "in", "class_name": "InputLayer", "config": {"name": "in", "batch_input_shape": [null, 4]}, "inbound_nodes": []},
			{
				"name": "left", "class_name": "Sequential",
				"config": {"name": "left", "layers": [
					{"class_name": "Dense", "config": {"name": "l1", "units": 8}},
					{"class_name": "Dense", "config": {"name": "l2", "units": 8}}
				]},
				"inbound_nodes": [[["in", 0, 0, {}]]]
			},
			{
				"name": "right", "class_name": "Sequential",
				"config": {"name": "right", "layers": [
					{"class_name": "Dense", "config": {"name": "r1", "units": 8}}
				]},
				"inbound_nodes": [[["in", 0, 0, {}]]]
			},
			{
				"name": "merge", "class_name": "Concatenate", "config": {"name": "merge"},
				"inbound_nodes": [[["left", 0, 0, {}], ["right", 0, 0, {}]]]
			}
		],
		"input_layers": [["in", 0, 0]],
		"output_layers": [["merge", 0, 0]]
	}
}`

func TestCountNumberOfModels(t *testing.T) {
	assert.Equal(t, 3, CountNumberOfModels(parse(t, nested)))
	assert.Equal(t, 1, CountNumberOfModels(parse(t, sequential)))
	assert.Equal(t, 0, CountNumberOfModels(map[string]any{"class_name": "Dense"}))
}

func TestFlatten_InlinesSubModels(t *testing.T) {
	flat, err := Flatten(parse(t, nested))
	require.NoError(t, err)

	ls := layers(t, flat)
	var names []string
	inbound := map[string]any{}
	for _, l := range ls {
		names = append(names, LayerName(l))
		inbound[LayerName(l)] = l[KeyInboundNodes]
	}
	assert.Equal(t, []string{"in", "l1", "l2", "r1", "merge"}, names)

	assert.Equal(t, []any{}, inbound["in"])
	assert.Equal(t, []any{"in"}, inbound["l1"])
	assert.Equal(t, []any{"l1"}, inbound["l2"])
	assert.Equal(t, []any{"in"}, inbound["r1"])
	assert.Equal(t, []any{"l2", "r1"}, inbound["merge"])
	assert.Equal(t, 1, CountNumberOfModels(flat))
}

func TestFlatten_FunctionalSubModelOutput(t *testing.T) {
	flat, err := Flatten(parse(t, `{
		"class_name": "Model",
		"config": {"name": "outer", "layers": [
			{"name": "x", "class_name": "InputLayer", "config": {"name": "x"}, "inbound_nodes": []},
			{
				"name": "inner", "class_name": "Model",
				"config": {"name": "inner", "layers": [
					{"name": "a", "class_name": "Dense", "config": {"name": "a"}, "inbound_nodes": []},
					{"name": "b", "class_name": "Dense", "config": {"name": "b"}, "inbound_nodes": [[["a", 0, 0, {}]]]},
					{"name": "c", "class_name": "Dense", "config": {"name": "c"}, "inbound_nodes": [[["a", 0, 0, {}]]]}
				], "output_layers": [["b", 0, 0]]},
				"inbound_nodes": [[["x", 0, 0, {}]]]
			},
			{"name": "y", "class_name": "Dense", "config": {"name": "y"}, "inbound_nodes": [[["inner", 0, 0, {}]]]}
		]}
	}`))
	require.NoError(t, err)

	ls := layers(t, flat)
	require.Len(t, ls, 5)
	assert.Equal(t, []any{"x"}, ls[1][KeyInboundNodes], "first inlined layer inherits the sub-model's inputs")
	assert.Equal(t, []any{"b"}, ls[4][KeyInboundNodes], "references to the sub-model go to its output layer")
}

func TestFlatten_FlatInboundPassesThrough(t *testing.T) {
	flat, err := Flatten(parse(t, `{
		"class_name": "Model",
		"config": {"name": "m", "layers": [
			{"name": "a", "class_name": "InputLayer", "config": {}, "inbound_nodes": []},
			{"name": "b", "class_name": "Dense", "config": {}, "inbound_nodes": ["a"]}
		]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, layers(t, flat)[1][KeyInboundNodes])
}

func TestFlatten_InvalidModel(t *testing.T) {
	_, err := Flatten(map[string]any{"class_name": "Dense", "config": map[string]any{}})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidModel))

	_, err = Flatten(parse(t, `{"config": {"layers": [{"class_name": "Dense", "config": {}}]}}`))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidModel))
}
