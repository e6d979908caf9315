// Package manifest loads batch manifests from YAML, JSON or TOML files.
//
// Every format is decoded into a generic document, validated against the
// embedded JSON schema and then converted to a task.Batch, so the three
// formats accept exactly the same documents.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/task"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://swarm.local/manifest.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
})

// Format is a manifest encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml, .json or .toml)", filepath.Ext(path))
	}
}

// Unit is one work unit as written in a manifest.
type Unit struct {
	ID           string           `json:"id"`
	Instruction  string           `json:"instruction"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Operations   []task.Operation `json:"operations,omitempty"`
	Priority     int              `json:"priority,omitempty"`
	Group        string           `json:"group,omitempty"`
	Class        string           `json:"class,omitempty"`
	Mode         string           `json:"mode,omitempty"`
	MaxRetries   *int             `json:"max_retries,omitempty"`
}

// Manifest describes a batch to submit.
type Manifest struct {
	ID               string `json:"id,omitempty"`
	Strategy         string `json:"strategy,omitempty"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
	TolerateFailure  bool   `json:"tolerate_failure,omitempty"`
	Units            []Unit `json:"units"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest in the given format.
func Parse(data []byte, format Format) (*Manifest, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case FormatTOML:
		var table map[string]any
		if _, err := toml.Decode(string(data), &table); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		doc = table
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}

	// Normalize through JSON so the schema sees the same value shapes
	// regardless of the source format.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}
	var generic any
	if err := json.Unmarshal(normalized, &generic); err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, schemaErrors(err)
	}

	var m Manifest
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Batch converts the manifest into a batch ready for submission.
func (m *Manifest) Batch() (task.Batch, error) {
	strategy, err := task.ParseStrategy(m.Strategy)
	if err != nil {
		return task.Batch{}, errors.NewValidationError(err.Error()).WithField("strategy")
	}
	b := task.Batch{
		ID:               m.ID,
		ConcurrencyLimit: m.ConcurrencyLimit,
		Strategy:         strategy,
		TolerateFailure:  m.TolerateFailure,
		Units:            make([]task.WorkUnit, len(m.Units)),
	}
	for i, u := range m.Units {
		if err := task.ValidateID("unit", u.ID); err != nil {
			return task.Batch{}, errors.NewValidationError(err.Error()).WithField(fmt.Sprintf("units[%d].id", i))
		}
		b.Units[i] = task.WorkUnit{
			ID:           u.ID,
			Instruction:  u.Instruction,
			Dependencies: u.Dependencies,
			Operations:   u.Operations,
			Priority:     u.Priority,
			GroupID:      u.Group,
			Class:        u.Class,
			Mode:         u.Mode,
			MaxRetries:   u.MaxRetries,
		}.Clone()
	}
	return b, nil
}

// schemaErrors flattens a schema failure into one ValidationError per leaf
// cause, each naming the offending field.
func schemaErrors(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return errors.NewValidationError(err.Error())
	}
	var errs []error
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			verr := errors.NewValidationError(e.Message)
			if field := pointerToField(e.InstanceLocation); field != "" {
				verr = verr.WithField(field)
			}
			errs = append(errs, verr)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(errs) == 0 {
		return errors.NewValidationError(ve.Message)
	}
	return errors.Join(errs...)
}

// pointerToField renders a JSON pointer like /units/0/id as units[0].id.
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(strings.TrimPrefix(ptr, "#"), "/")
	if ptr == "" {
		return ""
	}
	var b strings.Builder
	for _, part := range strings.Split(ptr, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		if part == "" {
			continue
		}
		if idx, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&b, "[%d]", idx)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}
