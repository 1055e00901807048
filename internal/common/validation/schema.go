package validation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Schema is a compiled JSON schema. It is safe for concurrent use.
type Schema struct {
	compiled *gojsonschema.Schema
	raw      map[string]interface{}
}

// Compile compiles a schema given as a decoded JSON document.
func Compile(definition map[string]interface{}) (*Schema, error) {
	if len(definition) == 0 {
		return nil, fmt.Errorf("schema definition is empty")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(definition))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{compiled: compiled, raw: definition}, nil
}

// Definition returns the schema document the Schema was compiled from.
func (s *Schema) Definition() map[string]interface{} {
	return s.raw
}

// Validate checks a Go value (maps, slices, scalars) against the schema.
func (s *Schema) Validate(document interface{}) (*ValidationResult, error) {
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	return toResult(result), nil
}

// ValidateJSON checks raw JSON bytes against the schema.
func (s *Schema) ValidateJSON(raw []byte) (*ValidationResult, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("document is not valid JSON")
	}
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	return toResult(result), nil
}

func toResult(result *gojsonschema.Result) *ValidationResult {
	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   fieldOf(desc),
			Message: desc.Description(),
			Code:    desc.Type(),
		})
	}
	sort.SliceStable(out.Errors, func(i, j int) bool {
		if out.Errors[i].Field != out.Errors[j].Field {
			return out.Errors[i].Field < out.Errors[j].Field
		}
		return out.Errors[i].Code < out.Errors[j].Code
	})
	return out
}

// fieldOf reports the offending property for "required" errors, which
// gojsonschema attributes to the parent object.
func fieldOf(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if desc.Type() != "required" {
		return field
	}
	property, ok := desc.Details()["property"].(string)
	if !ok {
		return field
	}
	if field == "(root)" || field == "" {
		return property
	}
	return field + "." + property
}

func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		messages = append(messages, e.String())
	}
	return messages
}

// Fields lists the distinct fields that failed, in order.
func (r *ValidationResult) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Errors {
		if !seen[e.Field] {
			seen[e.Field] = true
			out = append(out, e.Field)
		}
	}
	return out
}
