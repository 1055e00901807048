// internal/tools/provider.go
package tools

import (
	"context"
	"encoding/json"

	"loan-orchestrator/pkg/registry"
)

// Capability names granted to stages.
const (
	CapabilityVerification = registry.CapabilityVerification
	CapabilityDocuments    = registry.CapabilityDocuments
	CapabilityCalculations = registry.CapabilityCalculations
)

// Provider is one external capability. Connect opens resources scoped to a
// single stage invocation.
type Provider interface {
	Name() string
	Operations() []string
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a live connection to a provider. applicantRef is always the
// opaque surrogate identifier.
type Conn interface {
	Call(ctx context.Context, operation, applicantRef string, params map[string]interface{}) (json.RawMessage, error)
	Close() error
}
