package dto

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/activity"
	"presence-service/internal/domain"
)

// OptionalSelection tells an absent "selection" key apart from an explicit
// null. Absent keeps the stored selection, null clears it.
type OptionalSelection struct {
	Set   bool
	Value *domain.Selection
}

// UnmarshalJSON only runs when the key is present, null included.
func (o *OptionalSelection) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var sel domain.Selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return err
	}
	o.Value = &sel
	return nil
}

func (o OptionalSelection) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// IsZero lets omitzero drop the key when the selection is left alone.
func (o OptionalSelection) IsZero() bool {
	return !o.Set
}

// CursorRequest is a 1-based caret position
type CursorRequest struct {
	Line   int `json:"line" binding:"min=1"`
	Column int `json:"column" binding:"min=1"`
}

// UpsertPresenceRequest represents the request to upsert the caller's presence.
// Every field is optional; omitted fields keep their stored value.
type UpsertPresenceRequest struct {
	DisplayName *string           `json:"displayName,omitempty" binding:"omitempty,max=255"`
	Cursor      *CursorRequest    `json:"cursor,omitempty"`
	Selection   OptionalSelection `json:"selection,omitzero"`
	IsActive    *bool             `json:"isActive,omitempty"`
	IsTyping    *bool             `json:"isTyping,omitempty"`
	LastPing    *time.Time        `json:"lastPing,omitempty"`
}

// ToPatch converts the request into a domain patch
func (r *UpsertPresenceRequest) ToPatch() domain.PresencePatch {
	patch := domain.PresencePatch{
		DisplayName: r.DisplayName,
		IsActive:    r.IsActive,
		IsTyping:    r.IsTyping,
		LastPing:    r.LastPing,
	}
	if r.Cursor != nil {
		patch.Cursor = &domain.Cursor{Line: r.Cursor.Line, Column: r.Cursor.Column}
	}
	if r.Selection.Set {
		patch.Selection = domain.ReplaceSelection(r.Selection.Value)
	}
	return patch
}

// FromPatch builds the wire form of patch. Used by the remote client.
func FromPatch(patch domain.PresencePatch) UpsertPresenceRequest {
	req := UpsertPresenceRequest{
		DisplayName: patch.DisplayName,
		IsActive:    patch.IsActive,
		IsTyping:    patch.IsTyping,
		LastPing:    patch.LastPing,
	}
	if patch.Cursor != nil {
		req.Cursor = &CursorRequest{Line: patch.Cursor.Line, Column: patch.Cursor.Column}
	}
	if patch.Selection.Set {
		req.Selection = OptionalSelection{Set: true, Value: patch.Selection.Value}
	}
	return req
}

// PresenceResponse is a presence record with its classification
type PresenceResponse struct {
	domain.Presence
	Label       string          `json:"label"`
	Status      activity.Status `json:"status"`
	Description string          `json:"description"`
}

// ListPresenceResponse represents the collaborators of a workspace
type ListPresenceResponse struct {
	WorkspaceID uuid.UUID          `json:"workspaceId"`
	Presences   []PresenceResponse `json:"presences"`
	Count       int                `json:"count"`
	ServerTime  time.Time          `json:"serverTime"`
}

// ActiveCollaboratorsResponse backs the workspace activity badge
type ActiveCollaboratorsResponse struct {
	WorkspaceID            uuid.UUID `json:"workspaceId"`
	HasActiveCollaborators bool      `json:"hasActiveCollaborators"`
}

// PresenceStreamMessage is one frame on the presence websocket
type PresenceStreamMessage struct {
	Type        string             `json:"type"`
	WorkspaceID uuid.UUID          `json:"workspaceId"`
	UserID      *uuid.UUID         `json:"userId,omitempty"`
	Presences   []PresenceResponse `json:"presences"`
	At          time.Time          `json:"at"`
}

// ToPresenceResponse classifies p at now
func ToPresenceResponse(p domain.Presence, now time.Time) PresenceResponse {
	return PresenceResponse{
		Presence:    p,
		Label:       p.Label(),
		Status:      activity.Classify(&p, now),
		Description: activity.Describe(&p, now),
	}
}

// ToPresenceResponses classifies every record at now
func ToPresenceResponses(records []domain.Presence, now time.Time) []PresenceResponse {
	out := make([]PresenceResponse, 0, len(records))
	for _, p := range records {
		out = append(out, ToPresenceResponse(p, now))
	}
	return out
}

// UpdateDocumentRequest replaces the workspace document
type UpdateDocumentRequest struct {
	Content string `json:"content"`
}

// DocumentResponse represents the workspace document
type DocumentResponse struct {
	WorkspaceID uuid.UUID `json:"workspaceId"`
	Content     string    `json:"content"`
}
