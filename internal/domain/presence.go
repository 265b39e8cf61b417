package domain

import (
	"time"

	"github.com/google/uuid"
)

// Cursor is a caret location. Lines and columns are 1-based.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a text range in the document.
type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// IsEmpty reports whether the selection covers no characters.
func (s *Selection) IsEmpty() bool {
	if s == nil {
		return true
	}
	return s.StartLine == s.EndLine && s.StartColumn == s.EndColumn
}

// LineCount returns the number of lines touched by the selection.
func (s *Selection) LineCount() int {
	if s.IsEmpty() {
		return 0
	}
	n := s.EndLine - s.StartLine
	if n < 0 {
		n = -n
	}
	return n + 1
}

// Presence is the server-held snapshot of one participant in one workspace.
// There is exactly one Presence per (WorkspaceID, UserID).
type Presence struct {
	WorkspaceID  uuid.UUID  `json:"workspaceId"`
	UserID       uuid.UUID  `json:"userId"`
	DisplayName  string     `json:"displayName"`
	IsAnonymous  bool       `json:"isAnonymous"`
	Nickname     *string    `json:"nickname,omitempty"`
	Color        string     `json:"color"`
	Cursor       Cursor     `json:"cursor"`
	Selection    *Selection `json:"selection,omitempty"`
	IsActive     bool       `json:"isActive"`
	IsTyping     bool       `json:"isTyping"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	LastSeenTime time.Time  `json:"lastSeenTime"`
	LastPing     *time.Time `json:"lastPing,omitempty"`
}

// Label returns the name collaborators should see for this participant.
func (p *Presence) Label() string {
	if p.IsAnonymous && p.Nickname != nil && *p.Nickname != "" {
		return *p.Nickname
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Nickname != nil {
		return *p.Nickname
	}
	return "Anonymous"
}

// SelectionPatch distinguishes "leave the selection alone" (Set == false)
// from "replace it" (Set == true, Value nil clears it).
type SelectionPatch struct {
	Set   bool
	Value *Selection
}

// KeepSelection leaves the stored selection untouched.
func KeepSelection() SelectionPatch { return SelectionPatch{} }

// ClearSelection removes the stored selection.
func ClearSelection() SelectionPatch { return SelectionPatch{Set: true} }

// ReplaceSelection stores sel. Empty ranges are stored as no selection.
func ReplaceSelection(sel *Selection) SelectionPatch {
	if sel.IsEmpty() {
		return ClearSelection()
	}
	s := *sel
	return SelectionPatch{Set: true, Value: &s}
}

// PresencePatch is a partial update. Nil fields keep their stored value.
type PresencePatch struct {
	DisplayName *string
	IsAnonymous *bool
	Cursor      *Cursor
	Selection   SelectionPatch
	IsActive    *bool
	IsTyping    *bool
	LastPing    *time.Time
}

// Merge overlays next on top of p; fields set in next win.
func (p PresencePatch) Merge(next PresencePatch) PresencePatch {
	out := p
	if next.DisplayName != nil {
		out.DisplayName = next.DisplayName
	}
	if next.IsAnonymous != nil {
		out.IsAnonymous = next.IsAnonymous
	}
	if next.Cursor != nil {
		out.Cursor = next.Cursor
	}
	if next.Selection.Set {
		out.Selection = next.Selection
	}
	if next.IsActive != nil {
		out.IsActive = next.IsActive
	}
	if next.IsTyping != nil {
		out.IsTyping = next.IsTyping
	}
	if next.LastPing != nil {
		out.LastPing = next.LastPing
	}
	return out
}

// PresenceDefaults are assigned once, when the record is first created.
type PresenceDefaults struct {
	Nickname *string
	Color    string
}

// Identity is the authenticated participant behind a request.
type Identity struct {
	UserID      uuid.UUID
	DisplayName string
	IsAnonymous bool
}
