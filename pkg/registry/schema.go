// pkg/registry/schema.go
package registry

import "time"

type StageRegistry struct {
	Version     string          `json:"version"`
	LastUpdated string          `json:"lastUpdated"`
	Stages      []StageContract `json:"stages"`
}

// StageContract is the declarative half of a stage: which capabilities it may
// use, what its output must look like, and optional execution overrides.
type StageContract struct {
	ID           string                 `json:"id"`
	DisplayName  string                 `json:"displayName"`
	Description  string                 `json:"description"`
	Capabilities []string               `json:"capabilities"`
	OutputSchema map[string]interface{} `json:"outputSchema"`
	Timeout      string                 `json:"timeout,omitempty"`
	Retries      *int                   `json:"retries,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
}

// TimeoutDuration returns the parsed override, or zero when none is set.
func (c StageContract) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}
