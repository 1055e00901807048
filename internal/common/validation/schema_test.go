package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func creditSchema() map[string]interface{} {
	return map[string]interface{}{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]interface{}{
			"credit_score": map[string]interface{}{"type": "integer", "minimum": 300, "maximum": 850},
			"credit_tier":  map[string]interface{}{"type": "string", "enum": []interface{}{"excellent", "good", "fair", "poor"}},
			"rationale":    map[string]interface{}{"type": "string", "minLength": 1},
		},
		"required": []interface{}{"credit_score", "credit_tier", "rationale"},
	}
}

func TestCompile(t *testing.T) {
	t.Run("valid schema", func(t *testing.T) {
		s, err := Compile(creditSchema())
		require.NoError(t, err)
		assert.Equal(t, "object", s.Definition()["type"])
	})

	t.Run("empty schema rejected", func(t *testing.T) {
		_, err := Compile(map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("broken schema rejected", func(t *testing.T) {
		_, err := Compile(map[string]interface{}{"type": 42})
		assert.Error(t, err)
	})
}

func TestSchema_Validate(t *testing.T) {
	s, err := Compile(creditSchema())
	require.NoError(t, err)

	tests := []struct {
		name       string
		document   map[string]interface{}
		wantValid  bool
		wantFields []string
	}{
		{
			name: "conforming document",
			document: map[string]interface{}{
				"credit_score": 712,
				"credit_tier":  "good",
				"rationale":    "No delinquencies in 24 months",
			},
			wantValid: true,
		},
		{
			name: "missing required field reported by property name",
			document: map[string]interface{}{
				"credit_tier": "good",
				"rationale":   "ok",
			},
			wantValid:  false,
			wantFields: []string{"credit_score"},
		},
		{
			name: "out of range and bad enum",
			document: map[string]interface{}{
				"credit_score": 900,
				"credit_tier":  "stellar",
				"rationale":    "ok",
			},
			wantValid:  false,
			wantFields: []string{"credit_score", "credit_tier"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.Validate(tt.document)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, result.Valid)
			assert.Equal(t, tt.wantFields, result.Fields())
		})
	}
}

func TestSchema_ValidateJSON(t *testing.T) {
	s, err := Compile(creditSchema())
	require.NoError(t, err)

	result, err := s.ValidateJSON([]byte(`{"credit_score": 640, "credit_tier": "fair", "rationale": "thin file"}`))
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = s.ValidateJSON([]byte(`Sure, let me help!`))
	assert.Error(t, err)
}

func TestValidationResult_Helpers(t *testing.T) {
	result := &ValidationResult{
		Errors: []ValidationError{
			{Field: "loan_amount", Message: "Must be greater than 0", Code: "number_gt"},
			{Field: "loan_term_months", Message: "Must be less than or equal to 360", Code: "number_lte"},
		},
	}

	assert.True(t, result.HasErrors())
	assert.Equal(t, []string{
		"loan_amount: Must be greater than 0",
		"loan_term_months: Must be less than or equal to 360",
	}, result.GetErrorMessages())
	assert.Equal(t, []string{"loan_amount", "loan_term_months"}, result.Fields())
}
