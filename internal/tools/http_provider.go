// internal/tools/http_provider.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"loan-orchestrator/internal/common/config"
	commonhttp "loan-orchestrator/internal/common/http"
)

// HTTPProvider exposes a capability served at {base}/v1/{operation}.
type HTTPProvider struct {
	name string
	cfg  config.ProviderConfig
}

func NewHTTPProvider(name string, cfg config.ProviderConfig) *HTTPProvider {
	return &HTTPProvider{name: name, cfg: cfg}
}

func (p *HTTPProvider) Name() string         { return p.name }
func (p *HTTPProvider) Operations() []string { return append([]string(nil), p.cfg.Operations...) }

// Connect builds a client with its own transport so that releasing it
// cannot affect another run's connections.
func (p *HTTPProvider) Connect(ctx context.Context) (Conn, error) {
	if p.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s provider has no base url", p.name)
	}
	return &httpConn{
		name: p.name,
		client: commonhttp.NewClient(
			config.GetDuration(p.cfg.Timeout),
			commonhttp.WithBaseURL(p.cfg.BaseURL),
			commonhttp.WithBearerToken(p.cfg.APIKey),
		),
	}, nil
}

type httpConn struct {
	name   string
	client *commonhttp.Client
}

type operationRequest struct {
	ApplicantID string                 `json:"applicant_id"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

func (c *httpConn) Call(ctx context.Context, operation, applicantRef string, params map[string]interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.client.PostJSON(ctx, "/v1/"+operation, operationRequest{
		ApplicantID: applicantRef,
		Parameters:  params,
	}, &out)
	if err != nil {
		return nil, commonhttp.Classify(ctx, c.name, err)
	}
	return out, nil
}

func (c *httpConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
