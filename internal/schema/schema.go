// Package schema validates rule contexts against versioned draft-07 JSON
// Schemas. Compiled schemas are memoised by (code, version); a version is
// never mutated once stored, so entries are never evicted on update.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/matt-riley/admin3-rules/internal/core"
)

var ErrInvalidSchema = errors.New("invalid schema")

// Violation is one failing leaf of a validation.
type Violation struct {
	InstancePath string `json:"instance_path"`
	KeywordPath  string `json:"keyword_path"`
	Message      string `json:"message"`
}

// ValidationError reports every failing instance path for one schema.
type ValidationError struct {
	Ref        core.SchemaRef `json:"schema"`
	Violations []Violation    `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		path := v.InstancePath
		if path == "" {
			path = "/"
		}
		parts = append(parts, path+": "+v.Message)
	}
	return fmt.Sprintf("context does not match schema %s: %s", e.Ref, strings.Join(parts, "; "))
}

// Paths returns the distinct failing instance paths in sorted order.
func (e *ValidationError) Paths() []string {
	seen := make(map[string]struct{}, len(e.Violations))
	paths := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if _, ok := seen[v.InstancePath]; ok {
			continue
		}
		seen[v.InstancePath] = struct{}{}
		paths = append(paths, v.InstancePath)
	}
	sort.Strings(paths)
	return paths
}

func resourceURL(ref core.SchemaRef) string {
	return fmt.Sprintf("https://admin3.schemas.local/%s/v%d.schema.json", url.PathEscape(ref.Code), ref.Version)
}

// Compile compiles a draft-07 schema document. It is used at save time to
// reject schemas that would fail every execution.
func Compile(ref core.SchemaRef, document json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(document)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty document", ErrInvalidSchema, ref)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	location := resourceURL(ref)
	if err := c.AddResource(location, bytes.NewReader(document)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, ref, err)
	}
	compiled, err := c.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, ref, err)
	}
	return compiled, nil
}

// Validator memoises compiled schemas.
type Validator struct {
	mu       sync.RWMutex
	compiled map[core.SchemaRef]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{compiled: make(map[core.SchemaRef]*jsonschema.Schema)}
}

func (v *Validator) load(s core.FieldsSchema) (*jsonschema.Schema, error) {
	ref := s.Ref()
	v.mu.RLock()
	compiled, ok := v.compiled[ref]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := Compile(ref, s.Schema)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.compiled[ref] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// Validate checks data against s. It returns a *ValidationError when the
// context does not conform and an ErrInvalidSchema error when the schema
// itself cannot be compiled.
func (v *Validator) Validate(s core.FieldsSchema, data any) error {
	compiled, err := v.load(s)
	if err != nil {
		return err
	}

	err = compiled.Validate(data)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validate against %s: %w", s.Ref(), err)
	}
	return &ValidationError{Ref: s.Ref(), Violations: leaves(verr, nil)}
}

// Len reports how many compiled schemas are memoised.
func (v *Validator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.compiled)
}

func leaves(err *jsonschema.ValidationError, out []Violation) []Violation {
	if len(err.Causes) == 0 {
		return append(out, Violation{
			InstancePath: err.InstanceLocation,
			KeywordPath:  err.KeywordLocation,
			Message:      err.Message,
		})
	}
	for _, cause := range err.Causes {
		out = leaves(cause, out)
	}
	return out
}

// TopLevelProperties returns the sorted names under the schema's
// "properties" keyword. The audit digest hashes only these keys.
func TopLevelProperties(document json.RawMessage) []string {
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil
	}
	keys := make([]string, 0, len(doc.Properties))
	for key := range doc.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
