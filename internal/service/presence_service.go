package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/broker"
	"presence-service/internal/domain"
	"presence-service/internal/metrics"
	"presence-service/internal/repository"
	"presence-service/internal/response"
)

const maxDisplayNameLength = 255

// PresenceService defines the interface for presence business logic
type PresenceService interface {
	// Upsert merges patch into the caller's record, creating it if needed.
	Upsert(ctx context.Context, identity domain.Identity, workspaceID uuid.UUID, patch domain.PresencePatch) (*domain.Presence, error)
	// ListRecent returns records seen within maxAge. Read failures degrade to
	// an empty list.
	ListRecent(ctx context.Context, workspaceID uuid.UUID, maxAge time.Duration) []domain.Presence
	// HasActiveCollaborators reports whether anyone other than self was seen
	// within the active window.
	HasActiveCollaborators(ctx context.Context, workspaceID, self uuid.UUID) bool
	// Remove deletes the caller's record. Removing a missing record succeeds.
	Remove(ctx context.Context, workspaceID, userID uuid.UUID) error
}

// Windows are the default visibility windows for reads
type Windows struct {
	Present time.Duration
	Active  time.Duration
}

// presenceServiceImpl is the implementation of PresenceService
type presenceServiceImpl struct {
	repo    repository.PresenceRepository
	broker  broker.Broker
	metrics *metrics.Metrics
	clock   quartz.Clock
	windows Windows
	logger  *zap.Logger
}

// NewPresenceService creates a new instance of PresenceService
func NewPresenceService(
	repo repository.PresenceRepository,
	b broker.Broker,
	m *metrics.Metrics,
	clock quartz.Clock,
	windows Windows,
	logger *zap.Logger,
) PresenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &presenceServiceImpl{
		repo:    repo,
		broker:  b,
		metrics: m,
		clock:   clock,
		windows: windows,
		logger:  logger,
	}
}

func (s *presenceServiceImpl) Upsert(ctx context.Context, identity domain.Identity, workspaceID uuid.UUID, patch domain.PresencePatch) (*domain.Presence, error) {
	if identity.UserID == uuid.Nil {
		return nil, response.WrapAppError(response.ErrCodeUnauthorized, "Authentication required", domain.ErrNotAuthenticated)
	}
	if workspaceID == uuid.Nil {
		return nil, response.NewAppError(response.ErrCodeValidation, "Invalid workspace ID", "")
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	anonymous := identity.IsAnonymous
	patch.IsAnonymous = &anonymous
	if patch.DisplayName == nil && identity.DisplayName != "" {
		name := identity.DisplayName
		patch.DisplayName = &name
	}
	defaults := StyleFor(identity.UserID, anonymous)

	p, err := s.repo.Upsert(ctx, workspaceID, identity.UserID, patch, defaults, s.clock.Now())
	if errors.Is(err, domain.ErrRaceDuplicate) {
		s.logger.Debug("Retrying presence upsert after duplicate key",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("user_id", identity.UserID.String()))
		p, err = s.repo.Upsert(ctx, workspaceID, identity.UserID, patch, defaults, s.clock.Now())
	}
	if err != nil {
		s.metrics.IncrementWriteFailures()
		s.logger.Warn("Failed to write presence",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("user_id", identity.UserID.String()),
			zap.Error(err))
		return nil, response.WrapAppError(response.ErrCodeUnavailable, "Presence write failed",
			fmt.Errorf("%w: %w", domain.ErrWriteFailed, err))
	}

	s.metrics.IncrementUpserts()
	s.publish(ctx, broker.Event{
		Type:        broker.EventUpdated,
		WorkspaceID: workspaceID,
		UserID:      identity.UserID,
		Presence:    p,
		At:          p.LastSeenTime,
	})
	return p, nil
}

func (s *presenceServiceImpl) ListRecent(ctx context.Context, workspaceID uuid.UUID, maxAge time.Duration) []domain.Presence {
	if maxAge <= 0 {
		maxAge = s.windows.Present
	}
	records, err := s.repo.ListRecent(ctx, workspaceID, s.clock.Now().Add(-maxAge))
	if err != nil {
		s.metrics.IncrementReadFailures()
		s.logger.Warn("Failed to list presence, returning empty list",
			zap.String("workspace_id", workspaceID.String()),
			zap.Error(err))
		return []domain.Presence{}
	}
	return records
}

func (s *presenceServiceImpl) HasActiveCollaborators(ctx context.Context, workspaceID, self uuid.UUID) bool {
	for _, p := range s.ListRecent(ctx, workspaceID, s.windows.Active) {
		if p.UserID != self {
			return true
		}
	}
	return false
}

func (s *presenceServiceImpl) Remove(ctx context.Context, workspaceID, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return response.WrapAppError(response.ErrCodeUnauthorized, "Authentication required", domain.ErrNotAuthenticated)
	}

	deleted, err := s.repo.Delete(ctx, workspaceID, userID)
	if err != nil {
		s.metrics.IncrementWriteFailures()
		s.logger.Warn("Failed to remove presence",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return response.WrapAppError(response.ErrCodeUnavailable, "Presence removal failed",
			fmt.Errorf("%w: %w", domain.ErrWriteFailed, err))
	}
	if !deleted {
		return nil
	}

	s.metrics.IncrementLeaves()
	s.publish(ctx, broker.Event{
		Type:        broker.EventLeft,
		WorkspaceID: workspaceID,
		UserID:      userID,
		At:          s.clock.Now(),
	})
	return nil
}

func (s *presenceServiceImpl) publish(ctx context.Context, event broker.Event) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish presence event",
			zap.String("type", string(event.Type)),
			zap.String("workspace_id", event.WorkspaceID.String()),
			zap.Error(err))
	}
}

func validatePatch(patch domain.PresencePatch) error {
	if patch.DisplayName != nil && len(*patch.DisplayName) > maxDisplayNameLength {
		return response.NewAppError(response.ErrCodeValidation, "Display name too long",
			fmt.Sprintf("at most %d bytes", maxDisplayNameLength))
	}
	if c := patch.Cursor; c != nil && (c.Line < 1 || c.Column < 1) {
		return response.NewAppError(response.ErrCodeValidation, "Invalid cursor", "line and column are 1-based")
	}
	if sel := patch.Selection.Value; patch.Selection.Set && sel != nil {
		if sel.StartLine < 1 || sel.StartColumn < 1 || sel.EndLine < 1 || sel.EndColumn < 1 {
			return response.NewAppError(response.ErrCodeValidation, "Invalid selection", "lines and columns are 1-based")
		}
	}
	return nil
}
