package api

import "github.com/musabulbul/kurumtakip/session"

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	OK bool `json:"ok"`
}

// PairingCodeResponse is returned from GET /get-code.
type PairingCodeResponse struct {
	Code string `json:"code"`
}

// SendMessageRequest is the JSON body for POST /send-message.
// DelayMin and DelayMax are seconds; numbers and numeric strings are accepted.
type SendMessageRequest struct {
	Recipient flexString `json:"recipient"`
	Message   flexString `json:"message"`
	TenantID  flexString `json:"tenant_id,omitempty"`
	KurumID   flexString `json:"kurum_id,omitempty"`
	DelayMin  any        `json:"delay_min,omitempty"`
	DelayMax  any        `json:"delay_max,omitempty"`
}

// tenant returns the tenant id, accepting the legacy kurum_id name.
func (r SendMessageRequest) tenant() string {
	if r.TenantID != "" {
		return string(r.TenantID)
	}
	return string(r.KurumID)
}

// SendMessageResponse is returned from POST /send-message.
type SendMessageResponse struct {
	OK        bool  `json:"ok"`
	DelayedMS int64 `json:"delayed_ms"`
}

// ListSessionsResponse is returned from GET /sessions.
type ListSessionsResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
	PaginationMeta
}

// SessionEvent is one frame on the GET /sessions/{sessionID}/events stream.
type SessionEvent struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"session_id"`
	State      session.State       `json:"state,omitempty"`
	Transition *session.Transition `json:"transition,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
