package server

import (
	"encoding/json"

	"launchpath/internal/domain"
	"launchpath/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID           string `json:"id,omitempty"`
	Idea         string `json:"idea" minLength:"1"`
	Audience     string `json:"audience,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Geography    string `json:"geography,omitempty"`
	FounderType  string `json:"founder_type,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	domain.Project
}

type paginatedProjects struct {
	Items []ProjectResponse `json:"items"`
}

type ArtifactResponse struct {
	ProjectID    string              `json:"project_id"`
	Feature      string              `json:"feature"`
	Stage        domain.Stage        `json:"stage"`
	Payload      any                 `json:"payload"`
	Completeness domain.Completeness `json:"completeness" enum:"complete,partial"`
	Warnings     []string            `json:"warnings,omitempty"`
	Model        string              `json:"model,omitempty"`
	Tokens       int64               `json:"tokens"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
	UpdatedAt    string              `json:"updated_at" format:"date-time"`
}

type artifactList struct {
	Items []ArtifactResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StageRunResponse struct {
	engine.StageRun
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{Project: p}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	var payload any
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			payload = string(a.Payload)
		}
	}
	return ArtifactResponse{
		ProjectID:    a.ProjectID,
		Feature:      a.Feature,
		Stage:        a.Stage,
		Payload:      payload,
		Completeness: a.Completeness,
		Warnings:     a.Warnings,
		Model:        a.Model,
		Tokens:       a.Tokens,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
