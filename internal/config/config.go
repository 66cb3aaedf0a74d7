// Package config loads the layersync.hcl project file.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "layersync.hcl"

// Config holds project settings. Command-line flags override these.
type Config struct {
	// Database is the SQLite file holding the graph.
	Database string `hcl:"database,optional"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `hcl:"log_level,optional"`
	// Root is the default node path commands operate on ("" is the
	// project root).
	Root string `hcl:"root,optional"`
	// ModelSelector is the JSONPath locating the model in model files.
	ModelSelector string `hcl:"model_selector,optional"`

	Sheets []SheetBlock `hcl:"sheet,block"`
}

// SheetBlock declares a meta sheet:
//
//	sheet "core" {
//	  title = "Core"
//	}
type SheetBlock struct {
	SetID string `hcl:"set_id,label"`
	Title string `hcl:"title"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	return &Config{
		Database: "layersync.db",
		LogLevel: "info",
	}
}

// Load reads path from fs over the defaults. A missing file is not an
// error.
func Load(fs billy.Filesystem, path string) (*Config, error) {
	cfg := Default()
	data, err := util.ReadFile(fs, path)
	if stderrors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes HCL source over the defaults. filename is used in
// diagnostics and must end in .hcl.
func Parse(filename string, src []byte) (*Config, error) {
	var file Config
	if err := hclsimple.Decode(filename, src, nil, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := Default()
	cfg.merge(&file)
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.Database != "" {
		c.Database = o.Database
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Root != "" {
		c.Root = o.Root
	}
	if o.ModelSelector != "" {
		c.ModelSelector = o.ModelSelector
	}
	c.Sheets = append(c.Sheets, o.Sheets...)
}

// Level parses LogLevel.
func (c *Config) Level() (log.Level, error) {
	lvl, err := log.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("config log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
