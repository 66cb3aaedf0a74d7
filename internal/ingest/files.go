package ingest

import (
	"encoding/json"
	"fmt"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/layersync/api"
	"github.com/agentic-research/layersync/internal/errors"
)

// DefaultModelSelector picks the whole file as the model.
const DefaultModelSelector = "$"

// LoadModel reads the model description at path. selector is a JSONPath
// that locates the model object inside the file (for exports that wrap it,
// e.g. "$.model_config"); empty means the whole file.
func LoadModel(fs billy.Filesystem, path, selector string) (map[string]any, error) {
	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	v, err := oj.Parse(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidModel, err, "parse model %s", path)
	}
	if selector == "" {
		selector = DefaultModelSelector
	}
	model, err := QueryObject(v, selector)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidModel, err, "locate model in %s", path)
	}
	return model, nil
}

// WriteModel writes model as indented JSON.
func WriteModel(fs billy.Filesystem, path string, model map[string]any) error {
	data := oj.JSON(model, &oj.Options{Indent: 2, Sort: true})
	if err := util.WriteFile(fs, path, []byte(data+"\n"), 0o644); err != nil {
		return fmt.Errorf("write model %s: %w", path, err)
	}
	return nil
}

// ReadDocument reads a canonical document from path.
func ReadDocument(fs billy.Filesystem, path string) (*api.Document, error) {
	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", path, err)
	}
	doc, err := api.ParseDocument(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidDocument, err, "parse document %s", path)
	}
	return doc, nil
}

// WriteDocument writes doc to path as indented JSON.
func WriteDocument(fs billy.Filesystem, path string, doc *api.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := util.WriteFile(fs, path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", path, err)
	}
	return nil
}
