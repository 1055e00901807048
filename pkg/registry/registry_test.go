package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	ids := make([]string, 0, len(reg.Stages))
	for _, s := range reg.Stages {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"intake", "credit", "income", "risk"}, ids)

	intake, ok := reg.Lookup("intake")
	require.True(t, ok)
	assert.Empty(t, intake.Capabilities)
	assert.Equal(t, 45*time.Second, intake.TimeoutDuration())

	risk, _ := reg.Lookup("risk")
	require.NotNil(t, risk.Retries)
	assert.Equal(t, 1, *risk.Retries)
	assert.Zero(t, risk.TimeoutDuration())

	_, ok = reg.Lookup("fraud")
	assert.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "not json", body: "{", wantErr: "decode stage registry"},
		{name: "missing schema", body: `{"stages":[{"id":"credit"}]}`, wantErr: "outputSchema is required"},
		{name: "duplicate", body: `{"stages":[{"id":"risk","outputSchema":{"type":"object"}},{"id":"risk","outputSchema":{"type":"object"}}]}`, wantErr: "duplicate id"},
		{name: "bad timeout", body: `{"stages":[{"id":"risk","timeout":"soon","outputSchema":{"type":"object"}}]}`, wantErr: "invalid timeout"},
		{name: "negative retries", body: `{"stages":[{"id":"risk","retries":-1,"outputSchema":{"type":"object"}}]}`, wantErr: "must not be negative"},
		{name: "unknown stage", body: `{"stages":[{"id":"fraud","outputSchema":{"type":"object"}}]}`, wantErr: "unknown stage"},
		{name: "intake granted tools", body: `{"stages":[{"id":"intake","capabilities":["verification"],"outputSchema":{"type":"object"}}]}`, wantErr: `capability "verification" not permitted`},
		{name: "credit granted documents", body: `{"stages":[{"id":"credit","capabilities":["verification","documents"],"outputSchema":{"type":"object"}}]}`, wantErr: `capability "documents" not permitted`},
		{name: "unknown capability", body: `{"stages":[{"id":"risk","capabilities":["payments"],"outputSchema":{"type":"object"}}]}`, wantErr: `unknown capability "payments"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"2","stages":[{"id":"credit","outputSchema":{"type":"object"}}]}`), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2", reg.Version)

	reg, err = Load("")
	require.NoError(t, err)
	assert.Len(t, reg.Stages, 4)
}

func TestPermitted(t *testing.T) {
	caps, ok := Permitted("credit")
	require.True(t, ok)
	assert.Equal(t, []string{CapabilityVerification, CapabilityCalculations}, caps)

	caps, ok = Permitted("intake")
	require.True(t, ok)
	assert.Empty(t, caps)

	_, ok = Permitted("fraud")
	assert.False(t, ok)

	caps, _ = Permitted("risk")
	caps[0] = "mutated"
	again, _ := Permitted("risk")
	assert.Equal(t, CapabilityVerification, again[0])
}

func TestParse_NarrowerGrantIsAccepted(t *testing.T) {
	reg, err := Parse([]byte(`{"stages":[{"id":"risk","capabilities":["calculations"],"outputSchema":{"type":"object"}}]}`))
	require.NoError(t, err)
	risk, _ := reg.Lookup("risk")
	assert.Equal(t, []string{"calculations"}, risk.Capabilities)
}
