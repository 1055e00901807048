// internal/workers/loan/intake-turn/models.go
package intaketurn

type Input struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type Output struct {
	SessionID     string   `json:"sessionId"`
	Reply         string   `json:"reply"`
	Completion    int      `json:"completion"`
	Action        string   `json:"action"`
	State         string   `json:"state"`
	MissingFields []string `json:"missingFields,omitempty"`
	ApplicationID string   `json:"applicationId,omitempty"`
}
