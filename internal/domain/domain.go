package domain

import "encoding/json"

type Project struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Idea         string `json:"idea"`
	Audience     string `json:"audience,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Geography    string `json:"geography,omitempty"`
	FounderType  string `json:"founder_type,omitempty"`
	Status       string `json:"status" enum:"active,archived"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// TextInputs returns the free-text fields a generation prompt may embed.
func (p Project) TextInputs() map[string]string {
	in := map[string]string{"idea": p.Idea}
	if p.Audience != "" {
		in["audience"] = p.Audience
	}
	if p.BusinessType != "" {
		in["business_type"] = p.BusinessType
	}
	if p.Geography != "" {
		in["geography"] = p.Geography
	}
	if p.FounderType != "" {
		in["founder_type"] = p.FounderType
	}
	return in
}

// Completeness tags an artifact after schema validation.
type Completeness string

const (
	Complete Completeness = "complete"
	Partial  Completeness = "partial"
)

type Artifact struct {
	ProjectID    string          `json:"project_id"`
	Feature      string          `json:"feature"`
	Stage        Stage           `json:"stage"`
	Payload      json.RawMessage `json:"payload"`
	Completeness Completeness    `json:"completeness" enum:"complete,partial"`
	Warnings     []string        `json:"warnings,omitempty"`
	Model        string          `json:"model,omitempty"`
	Tokens       int64           `json:"tokens"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// Usage outcomes recorded on the ledger.
const (
	UsageOK              = "ok"
	UsageUpstreamError   = "upstream_error"
	UsageMalformedOutput = "malformed_output"
)

type UsageEntry struct {
	ID        string `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Tokens    int64  `json:"tokens"`
	Feature   string `json:"feature"`
	CallerID  string `json:"caller_id"`
	ProjectID string `json:"project_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Outcome   string `json:"outcome"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
