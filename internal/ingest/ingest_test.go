package ingest

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
	"github.com/agentic-research/layersync/internal/flatten"
	"github.com/agentic-research/layersync/internal/graph"
	"github.com/agentic-research/layersync/internal/importer"
)

const sequentialModel = `{
	"class_name": "Sequential",
	"config": {
		"name": "seq",
		"layers": [
			{"class_name": "Dense", "config": {"name": "dense_1", "units": 32, "activation": "relu", "batch_input_shape": [null, 10]}},
			{"class_name": "Dropout", "config": {"name": "drop", "rate": 0.5}},
			{"class_name": "Dense", "config": {"name": "dense_2", "units": 1, "use_bias": true}}
		]
	},
	"keras_version": "2.4.0"
}`

func loadFlat(t *testing.T, src string) map[string]any {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "model.json", []byte(src), 0o644))
	model, err := LoadModel(fs, "model.json", "")
	require.NoError(t, err)
	flat, err := flatten.Flatten(model)
	require.NoError(t, err)
	return flat
}

func TestArchitectureDocument(t *testing.T) {
	doc, err := ArchitectureDocument(loadFlat(t, sequentialModel))
	require.NoError(t, err)

	assert.Equal(t, "@name:seq", doc.ID)
	assert.Equal(t, "seq", doc.Attributes["name"])
	require.Len(t, doc.Children, 4)

	input := doc.Children[0]
	assert.Equal(t, "@name:dense_1_input", input.ID)
	assert.Equal(t, "@meta:InputLayer", input.Pointers[api.BasePointer])
	assert.Empty(t, input.Sets, "input layer has no sources")
	assert.NotContains(t, input.Attributes, "batch_input_shape")

	dense := doc.Children[1]
	assert.Equal(t, "@name:dense_1", dense.ID)
	assert.Equal(t, "@meta:Dense", dense.Pointers[api.BasePointer])
	assert.Equal(t, map[string]any{"name": "dense_1", "units": int64(32), "activation": "relu"}, dense.Attributes)
	assert.Equal(t, []string{"@name:dense_1_input"}, dense.Sets[InputsSet])
	assert.Equal(t, map[string]any{"x": ColumnX, "y": RowStep}, dense.Registry[PositionKey])

	assert.Equal(t, []string{"@name:drop"}, doc.Children[3].Sets[InputsSet])
	assert.Equal(t, true, doc.Children[3].Attributes["use_bias"])
}

func TestArchitectureDocument_RejectsNested(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "m.json", []byte(`{
		"class_name": "Sequential",
		"config": {"name": "outer", "layers": [
			{"class_name": "Sequential", "config": {"name": "inner", "layers": []}}
		]}
	}`), 0o644))
	model, err := LoadModel(fs, "m.json", "")
	require.NoError(t, err)

	_, err = ArchitectureDocument(model)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidModel))
}

func TestArchitectureDocument_AppliesIdempotently(t *testing.T) {
	ctx := context.Background()
	s, err := graph.OpenMemory(ctx)
	require.NoError(t, err)
	root, err := s.Root(ctx)
	require.NoError(t, err)
	imp := importer.New(s)

	doc, err := ArchitectureDocument(loadFlat(t, sequentialModel))
	require.NoError(t, err)

	container, sum, err := imp.ApplyChild(ctx, root, doc)
	require.NoError(t, err)
	assert.True(t, sum.Changed())

	kids, err := s.Children(ctx, container)
	require.NoError(t, err)
	require.Len(t, kids, 4)

	// dense_1 inherits from a Dense meta node and lists its input.
	base, err := s.Pointer(ctx, kids[1], api.BasePointer)
	require.NoError(t, err)
	name, _, err := s.Attribute(ctx, base, graph.NameAttribute)
	require.NoError(t, err)
	assert.Equal(t, "Dense", name)

	members, err := s.Members(ctx, kids[1], InputsSet)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, kids[0].ID, members[0].ID)

	metas, err := s.MetaNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 4, "FCO plus InputLayer, Dense and Dropout")

	doc, err = ArchitectureDocument(loadFlat(t, sequentialModel))
	require.NoError(t, err)
	again, sum, err := imp.ApplyChild(ctx, root, doc)
	require.NoError(t, err)
	assert.Equal(t, container.ID, again.ID)
	assert.Equal(t, importer.Summary{}, sum)
}

func TestLoadModel_Selector(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "export.json", []byte(`{"format": "layers-model", "model_config": {"class_name": "Sequential", "config": {"name": "s", "layers": []}}}`), 0o644))

	model, err := LoadModel(fs, "export.json", "$.model_config")
	require.NoError(t, err)
	assert.Equal(t, "Sequential", model["class_name"])

	_, err = LoadModel(fs, "export.json", "$.missing")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidModel))

	_, err = LoadModel(fs, "absent.json", "")
	assert.Error(t, err)
}

func TestDocumentFiles(t *testing.T) {
	fs := memfs.New()
	d := api.NewDocument("@name:x")
	d.Attributes["units"] = 4
	d.Children = []*api.Document{api.NewDocument("@name:y")}

	require.NoError(t, WriteDocument(fs, "out/doc.json", d))
	back, err := ReadDocument(fs, "out/doc.json")
	require.NoError(t, err)
	assert.Equal(t, "@name:x", back.ID)
	assert.Equal(t, float64(4), back.Attributes["units"])
	require.Len(t, back.Children, 1)
	assert.Equal(t, "@name:y", back.Children[0].ID)
	assert.Nil(t, back.Children[0].Children)

	require.NoError(t, util.WriteFile(fs, "bad.json", []byte(`{"id": 3}`), 0o644))
	_, err = ReadDocument(fs, "bad.json")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidDocument))
}

func TestQuery(t *testing.T) {
	data := map[string]any{
		"users": []any{
			map[string]any{"name": "Alice"},
			map[string]any{"name": "Bob"},
		},
	}
	matches, err := Query(data, "$.users[*].name")
	require.NoError(t, err)
	assert.Equal(t, []any{"Alice", "Bob"}, matches)

	_, err = QueryObject(data, "$.users[*]")
	assert.Error(t, err, "two matches")
}
