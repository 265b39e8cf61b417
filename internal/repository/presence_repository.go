package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-service/internal/domain"
)

// PresenceRepository defines the interface for presence data access
type PresenceRepository interface {
	Upsert(ctx context.Context, workspaceID, userID uuid.UUID, patch domain.PresencePatch, defaults domain.PresenceDefaults, now time.Time) (*domain.Presence, error)
	Find(ctx context.Context, workspaceID, userID uuid.UUID) (*domain.Presence, error)
	ListRecent(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]domain.Presence, error)
	Delete(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error)
	FindStale(ctx context.Context, cutoff time.Time) ([]domain.Presence, error)
	DeleteIfStale(ctx context.Context, workspaceID, userID uuid.UUID, cutoff time.Time) (bool, error)
	CountRecent(ctx context.Context, since time.Time) (int64, error)
}

// presenceRow is the storage shape of domain.Presence. The selection is kept
// in four nullable columns so that clearing it is a plain assignment.
type presenceRow struct {
	WorkspaceID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	DisplayName          string    `gorm:"type:varchar(255);not null"`
	IsAnonymous          bool      `gorm:"not null"`
	Nickname             *string   `gorm:"type:varchar(100)"`
	Color                string    `gorm:"type:varchar(16);not null"`
	CursorLine           int       `gorm:"not null"`
	CursorColumn         int       `gorm:"not null"`
	SelectionStartLine   *int
	SelectionStartColumn *int
	SelectionEndLine     *int
	SelectionEndColumn   *int
	IsActive             bool `gorm:"not null"`
	IsTyping             bool `gorm:"not null"`
	LastActivity         *time.Time
	LastSeenTime         time.Time `gorm:"not null;index"`
	LastPing             *time.Time
}

func (presenceRow) TableName() string {
	return "presences"
}

// Models returns the gorm models owned by this package, for migrations.
func Models() []interface{} {
	return []interface{}{&presenceRow{}}
}

func (r *presenceRow) toDomain() domain.Presence {
	p := domain.Presence{
		WorkspaceID:  r.WorkspaceID,
		UserID:       r.UserID,
		DisplayName:  r.DisplayName,
		IsAnonymous:  r.IsAnonymous,
		Nickname:     r.Nickname,
		Color:        r.Color,
		Cursor:       domain.Cursor{Line: r.CursorLine, Column: r.CursorColumn},
		IsActive:     r.IsActive,
		IsTyping:     r.IsTyping,
		LastActivity: utcPtr(r.LastActivity),
		LastSeenTime: r.LastSeenTime.UTC(),
		LastPing:     utcPtr(r.LastPing),
	}
	if r.SelectionStartLine != nil && r.SelectionStartColumn != nil &&
		r.SelectionEndLine != nil && r.SelectionEndColumn != nil {
		p.Selection = &domain.Selection{
			StartLine:   *r.SelectionStartLine,
			StartColumn: *r.SelectionStartColumn,
			EndLine:     *r.SelectionEndLine,
			EndColumn:   *r.SelectionEndColumn,
		}
	}
	return p
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func selectionColumns(sel *domain.Selection) map[string]interface{} {
	if sel == nil {
		return map[string]interface{}{
			"selection_start_line":   nil,
			"selection_start_column": nil,
			"selection_end_line":     nil,
			"selection_end_column":   nil,
		}
	}
	return map[string]interface{}{
		"selection_start_line":   sel.StartLine,
		"selection_start_column": sel.StartColumn,
		"selection_end_line":     sel.EndLine,
		"selection_end_column":   sel.EndColumn,
	}
}

// presenceRepositoryImpl is the GORM implementation of PresenceRepository
type presenceRepositoryImpl struct {
	db *gorm.DB
}

// NewPresenceRepository creates a new instance of PresenceRepository
func NewPresenceRepository(db *gorm.DB) PresenceRepository {
	return &presenceRepositoryImpl{db: db}
}

// Upsert inserts or merges the record for (workspaceID, userID) in a single
// statement. defaults are only used when the row is created.
func (r *presenceRepositoryImpl) Upsert(ctx context.Context, workspaceID, userID uuid.UUID, patch domain.PresencePatch, defaults domain.PresenceDefaults, now time.Time) (*domain.Presence, error) {
	now = now.UTC()

	row := presenceRow{
		WorkspaceID:  workspaceID,
		UserID:       userID,
		Nickname:     defaults.Nickname,
		Color:        defaults.Color,
		CursorLine:   1,
		CursorColumn: 1,
		LastSeenTime: now,
	}
	updates := map[string]interface{}{
		"last_seen_time": clause.Expr{
			SQL:  "CASE WHEN presences.last_seen_time < ? THEN ? ELSE presences.last_seen_time END",
			Vars: []interface{}{now, now},
		},
	}

	if patch.DisplayName != nil {
		row.DisplayName = *patch.DisplayName
		updates["display_name"] = *patch.DisplayName
	}
	if patch.IsAnonymous != nil {
		row.IsAnonymous = *patch.IsAnonymous
		updates["is_anonymous"] = *patch.IsAnonymous
	}
	if patch.Cursor != nil {
		row.CursorLine = patch.Cursor.Line
		row.CursorColumn = patch.Cursor.Column
		updates["cursor_line"] = patch.Cursor.Line
		updates["cursor_column"] = patch.Cursor.Column
	}
	if patch.Selection.Set {
		if sel := patch.Selection.Value; sel != nil && !sel.IsEmpty() {
			row.SelectionStartLine = &sel.StartLine
			row.SelectionStartColumn = &sel.StartColumn
			row.SelectionEndLine = &sel.EndLine
			row.SelectionEndColumn = &sel.EndColumn
			for k, v := range selectionColumns(sel) {
				updates[k] = v
			}
		} else {
			for k, v := range selectionColumns(nil) {
				updates[k] = v
			}
		}
	}
	if patch.IsActive != nil {
		row.IsActive = *patch.IsActive
		updates["is_active"] = *patch.IsActive
		if *patch.IsActive {
			row.LastActivity = &now
			updates["last_activity"] = now
		}
	}
	if patch.IsTyping != nil {
		row.IsTyping = *patch.IsTyping
		updates["is_typing"] = *patch.IsTyping
	}
	if patch.LastPing != nil {
		ping := patch.LastPing.UTC()
		row.LastPing = &ping
		updates["last_ping"] = ping
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domain.ErrRaceDuplicate
		}
		return nil, err
	}

	return r.Find(ctx, workspaceID, userID)
}

// Find returns the record for (workspaceID, userID) or gorm.ErrRecordNotFound
func (r *presenceRepositoryImpl) Find(ctx context.Context, workspaceID, userID uuid.UUID) (*domain.Presence, error) {
	var row presenceRow
	if err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&row).Error; err != nil {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

// ListRecent returns the records of a workspace seen at or after since
func (r *presenceRepositoryImpl) ListRecent(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]domain.Presence, error) {
	var rows []presenceRow
	if err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND last_seen_time >= ?", workspaceID, since.UTC()).
		Order("user_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

// Delete removes a record. Removing a missing record is not an error.
func (r *presenceRepositoryImpl) Delete(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Delete(&presenceRow{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindStale returns every record whose last_seen_time is older than cutoff
func (r *presenceRepositoryImpl) FindStale(ctx context.Context, cutoff time.Time) ([]domain.Presence, error) {
	var rows []presenceRow
	if err := r.db.WithContext(ctx).
		Where("last_seen_time < ?", cutoff.UTC()).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

// DeleteIfStale deletes the record only if it is still older than cutoff, so
// a refresh that lands between FindStale and the delete keeps the row.
func (r *presenceRepositoryImpl) DeleteIfStale(ctx context.Context, workspaceID, userID uuid.UUID, cutoff time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND last_seen_time < ?", workspaceID, userID, cutoff.UTC()).
		Delete(&presenceRow{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountRecent counts records across all workspaces seen at or after since
func (r *presenceRepositoryImpl) CountRecent(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&presenceRow{}).
		Where("last_seen_time >= ?", since.UTC()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func toDomainList(rows []presenceRow) []domain.Presence {
	out := make([]domain.Presence, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}
