// pkg/registry/registry.go
package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

//go:embed stages.json
var defaultStages []byte

// Capabilities a stage may be granted.
const (
	CapabilityVerification = "verification"
	CapabilityDocuments    = "documents"
	CapabilityCalculations = "calculations"
)

// permitted is the least-privilege ceiling per stage. A registry may grant
// a stage fewer capabilities, never more.
var permitted = map[string][]string{
	"intake": {},
	"credit": {CapabilityVerification, CapabilityCalculations},
	"income": {CapabilityVerification, CapabilityDocuments, CapabilityCalculations},
	"risk":   {CapabilityVerification, CapabilityDocuments, CapabilityCalculations},
}

// Permitted returns the capabilities stage may be granted and whether the
// stage is known.
func Permitted(stage string) ([]string, bool) {
	caps, ok := permitted[stage]
	return append([]string(nil), caps...), ok
}

func LoadRegistry(path string) (*StageRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Default returns the registry compiled into the binary.
func Default() (*StageRegistry, error) {
	return Parse(defaultStages)
}

// Load reads path when set and falls back to the built-in registry.
func Load(path string) (*StageRegistry, error) {
	if path == "" {
		return Default()
	}
	return LoadRegistry(path)
}

func Parse(data []byte) (*StageRegistry, error) {
	var reg StageRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode stage registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *StageRegistry) Lookup(id string) (StageContract, bool) {
	for _, s := range r.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageContract{}, false
}

// Validate reports every structural problem found, joined.
func (r *StageRegistry) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(r.Stages))

	for i, s := range r.Stages {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("stage[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("stage %s: duplicate id", s.ID))
		}
		seen[s.ID] = true

		errs = append(errs, checkCapabilities(s)...)

		if len(s.OutputSchema) == 0 {
			errs = append(errs, fmt.Errorf("stage %s: outputSchema is required", s.ID))
		}
		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("stage %s: invalid timeout %q", s.ID, s.Timeout))
			}
		}
		if s.Retries != nil && *s.Retries < 0 {
			errs = append(errs, fmt.Errorf("stage %s: retries must not be negative", s.ID))
		}
	}
	return errors.Join(errs...)
}

func checkCapabilities(s StageContract) []error {
	allowed, ok := permitted[s.ID]
	if !ok {
		return []error{fmt.Errorf("stage %s: unknown stage", s.ID)}
	}

	var errs []error
	for _, c := range s.Capabilities {
		switch {
		case c != CapabilityVerification && c != CapabilityDocuments && c != CapabilityCalculations:
			errs = append(errs, fmt.Errorf("stage %s: unknown capability %q", s.ID, c))
		case !contains(allowed, c):
			errs = append(errs, fmt.Errorf("stage %s: capability %q not permitted", s.ID, c))
		}
	}
	return errs
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
