// Package activity turns raw presence records into what collaborators see:
// a status per participant and a feed of joins and leaves.
package activity

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"presence-service/internal/domain"
)

// Status is the human-meaningful state of a participant
type Status string

const (
	StatusTyping    Status = "typing"
	StatusSelecting Status = "selecting"
	StatusEditing   Status = "editing"
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusAway      Status = "away"
	StatusOffline   Status = "offline"
)

// Thresholds are the upper bounds, measured from LastActivity, of the
// editing, active and idle tiers.
type Thresholds struct {
	Editing time.Duration
	Active  time.Duration
	Idle    time.Duration
}

// DefaultThresholds is 10s / 60s / 5m
var DefaultThresholds = Thresholds{
	Editing: 10 * time.Second,
	Active:  60 * time.Second,
	Idle:    300 * time.Second,
}

// Classify returns the status of p at now using DefaultThresholds.
// The result depends on elapsed time, so callers re-evaluate it periodically
// even when p has not changed.
func Classify(p *domain.Presence, now time.Time) Status {
	return DefaultThresholds.Classify(p, now)
}

// Classify applies the checks in order; the first match wins.
func (th Thresholds) Classify(p *domain.Presence, now time.Time) Status {
	if p == nil {
		return StatusOffline
	}
	if !p.Selection.IsEmpty() {
		return StatusSelecting
	}
	if p.IsTyping {
		return StatusTyping
	}
	if p.LastActivity == nil {
		return StatusAway
	}

	elapsed := now.Sub(*p.LastActivity)
	switch {
	case elapsed < th.Editing:
		return StatusEditing
	case elapsed < th.Active:
		return StatusActive
	case elapsed < th.Idle:
		return StatusIdle
	default:
		return StatusAway
	}
}

// Describe returns a short display string for p, keyed off its status.
func Describe(p *domain.Presence, now time.Time) string {
	return describe(p, Classify(p, now), now)
}

func describe(p *domain.Presence, status Status, now time.Time) string {
	switch status {
	case StatusOffline:
		return "Offline"
	case StatusSelecting:
		if lines := p.Selection.LineCount(); lines > 1 {
			return fmt.Sprintf("%d lines selected", lines)
		}
		chars := p.Selection.EndColumn - p.Selection.StartColumn
		if chars < 0 {
			chars = -chars
		}
		if chars == 1 {
			return "1 char selected"
		}
		return fmt.Sprintf("%d chars selected", chars)
	case StatusTyping, StatusEditing, StatusActive:
		return fmt.Sprintf("Line %d", p.Cursor.Line)
	default:
		if p.LastActivity == nil {
			return "Away"
		}
		return "Active " + humanize.RelTime(*p.LastActivity, now, "ago", "from now")
	}
}

// Collaborator is a presence record paired with its classification
type Collaborator struct {
	Presence    domain.Presence `json:"presence"`
	Label       string          `json:"label"`
	Status      Status          `json:"status"`
	Description string          `json:"description"`
}

// Annotate classifies every record at now.
func Annotate(records []domain.Presence, now time.Time) []Collaborator {
	out := make([]Collaborator, 0, len(records))
	for i := range records {
		p := &records[i]
		status := Classify(p, now)
		out = append(out, Collaborator{
			Presence:    *p,
			Label:       p.Label(),
			Status:      status,
			Description: describe(p, status, now),
		})
	}
	return out
}
