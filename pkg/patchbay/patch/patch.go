// Package patch reads patch documents: block definitions, instances and
// connections described in YAML or JSON, loaded into a graph.Store.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/logic"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Document is a parsed patch.
type Document struct {
	Definitions []graph.BlockDefinition `json:"definitions" yaml:"definitions"`
	Instances   []Instance              `json:"instances" yaml:"instances"`
	Connections []graph.Connection      `json:"connections" yaml:"connections"`
}

// Instance places one block.
type Instance struct {
	ID         string    `json:"id" yaml:"id"`
	Definition string    `json:"definition" yaml:"definition"`
	Params     value.Map `json:"params,omitempty" yaml:"params,omitempty"`
}

// LoadFile reads a patch file, picking the format by extension.
// Supported extensions: .yaml, .yml, .json
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return nil, fmt.Errorf("unsupported patch file extension: %s", ext)
	}
}

// FromYAML parses a YAML patch. Unknown fields are rejected.
func FromYAML(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &doc, nil
}

// FromJSON parses a JSON patch. Unknown fields are rejected.
func FromJSON(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &doc, nil
}

// Check validates every definition and compiles every logic body without
// touching a store. All problems are returned together.
func (d *Document) Check(compiler *logic.Compiler) error {
	var errs []error
	for i := range d.Definitions {
		def := &d.Definitions[i]
		if err := graph.ValidateDefinition(def); err != nil {
			errs = append(errs, fmt.Errorf("definition %q: %w", def.ID, err))
			continue
		}
		if def.Logic == "" {
			continue
		}
		if _, err := compiler.Compile(def.Logic); err != nil {
			errs = append(errs, fmt.Errorf("definition %q: %w", def.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Apply loads the document into store: definitions first, then instances,
// then connections. A failing entry is skipped and the rest are still
// applied; all failures are returned together.
func (d *Document) Apply(store *graph.Store) error {
	var errs []error
	for _, def := range d.Definitions {
		if err := store.PutDefinition(def); err != nil {
			errs = append(errs, fmt.Errorf("definition %q: %w", def.ID, err))
		}
	}
	for _, inst := range d.Instances {
		if _, err := store.AddInstance(inst.ID, inst.Definition, inst.Params); err != nil {
			errs = append(errs, fmt.Errorf("instance %q: %w", inst.ID, err))
		}
	}
	for _, c := range d.Connections {
		if _, err := store.Connect(c); err != nil {
			errs = append(errs, fmt.Errorf("connection %s -> %s: %w", c.From, c.To, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads a patch file into a new store.
func Load(path string) (*graph.Store, *Document, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	store := graph.NewStore()
	if err := doc.Apply(store); err != nil {
		return nil, nil, err
	}
	return store, doc, nil
}
