// Package broker fans presence changes out to everyone watching a workspace.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/domain"
)

// EventType names what happened to a presence record
type EventType string

const (
	EventUpdated EventType = "presence.updated"
	EventLeft    EventType = "presence.left"
)

// Event is published once per successful write or removal
type Event struct {
	Type        EventType        `json:"type"`
	WorkspaceID uuid.UUID        `json:"workspaceId"`
	UserID      uuid.UUID        `json:"userId"`
	Presence    *domain.Presence `json:"presence,omitempty"`
	At          time.Time        `json:"at"`
}

// Broker delivers events to the subscribers of a workspace. Delivery is best
// effort: a subscriber that falls behind loses events.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of events for workspaceID. The channel is
	// closed once ctx is done.
	Subscribe(ctx context.Context, workspaceID uuid.UUID) (<-chan Event, error)
	Close() error
}

const subscriberBuffer = 64
