package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"presence-service/internal/domain"
)

func setupPresenceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func ptr[T any](v T) *T { return &v }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestPresenceRepository_UpsertCreatesWithDefaults(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, user := uuid.New(), uuid.New()

	got, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{
		DisplayName: ptr("Ada"),
		IsActive:    ptr(true),
	}, domain.PresenceDefaults{Nickname: ptr("Brave Otter"), Color: "#3b82f6"}, t0)
	require.NoError(t, err)

	assert.Equal(t, ws, got.WorkspaceID)
	assert.Equal(t, user, got.UserID)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Equal(t, "Brave Otter", *got.Nickname)
	assert.Equal(t, "#3b82f6", got.Color)
	assert.Equal(t, domain.Cursor{Line: 1, Column: 1}, got.Cursor)
	assert.Nil(t, got.Selection)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.LastActivity)
	assert.True(t, t0.Equal(*got.LastActivity))
	assert.True(t, t0.Equal(got.LastSeenTime))
}

func TestPresenceRepository_UpsertMergesAndKeepsDefaults(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, user := uuid.New(), uuid.New()

	_, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{
		Cursor:    &domain.Cursor{Line: 3, Column: 4},
		Selection: domain.ReplaceSelection(&domain.Selection{StartLine: 3, StartColumn: 1, EndLine: 5, EndColumn: 2}),
	}, domain.PresenceDefaults{Nickname: ptr("first"), Color: "#111111"}, t0)
	require.NoError(t, err)

	got, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{
		IsTyping: ptr(true),
	}, domain.PresenceDefaults{Nickname: ptr("second"), Color: "#222222"}, t0.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, "first", *got.Nickname, "nickname is assigned once")
	assert.Equal(t, "#111111", got.Color, "color is assigned once")
	assert.Equal(t, domain.Cursor{Line: 3, Column: 4}, got.Cursor, "omitted cursor is preserved")
	require.NotNil(t, got.Selection, "omitted selection is preserved")
	assert.Equal(t, 3, got.Selection.LineCount())
	assert.True(t, got.IsTyping)
	assert.Nil(t, got.LastActivity, "no IsActive=true seen yet")
	assert.True(t, t0.Add(time.Second).Equal(got.LastSeenTime))
}

func TestPresenceRepository_UpsertClearsSelection(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, user := uuid.New(), uuid.New()

	_, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{
		Selection: domain.ReplaceSelection(&domain.Selection{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 9}),
	}, domain.PresenceDefaults{Color: "#000000"}, t0)
	require.NoError(t, err)

	got, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{
		Selection: domain.ClearSelection(),
	}, domain.PresenceDefaults{Color: "#000000"}, t0)
	require.NoError(t, err)
	assert.Nil(t, got.Selection)
}

func TestPresenceRepository_LastSeenTimeNeverGoesBackwards(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, user := uuid.New(), uuid.New()

	_, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{}, domain.PresenceDefaults{}, t0.Add(10*time.Second))
	require.NoError(t, err)

	got, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{IsTyping: ptr(false)}, domain.PresenceDefaults{}, t0)
	require.NoError(t, err)
	assert.True(t, t0.Add(10*time.Second).Equal(got.LastSeenTime))
}

func TestPresenceRepository_ConcurrentUpsertsLeaveOneRow(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, user := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{
				Cursor: &domain.Cursor{Line: i + 1, Column: 1},
			}, domain.PresenceDefaults{Color: "#abcdef"}, t0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := repo.ListRecent(ctx, ws, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPresenceRepository_ListRecentFiltersByWindowAndWorkspace(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, other := uuid.New(), uuid.New()

	fresh, stale, elsewhere := uuid.New(), uuid.New(), uuid.New()
	_, err := repo.Upsert(ctx, ws, fresh, domain.PresencePatch{}, domain.PresenceDefaults{}, t0)
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, ws, stale, domain.PresencePatch{}, domain.PresenceDefaults{}, t0.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, other, elsewhere, domain.PresencePatch{}, domain.PresenceDefaults{}, t0)
	require.NoError(t, err)

	list, err := repo.ListRecent(ctx, ws, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh, list[0].UserID)

	empty, err := repo.ListRecent(ctx, uuid.New(), t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, empty)

	count, err := repo.CountRecent(ctx, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPresenceRepository_Delete(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws, user := uuid.New(), uuid.New()

	_, err := repo.Upsert(ctx, ws, user, domain.PresencePatch{}, domain.PresenceDefaults{}, t0)
	require.NoError(t, err)

	deleted, err := repo.Delete(ctx, ws, user)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, ws, user)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.Find(ctx, ws, user)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestPresenceRepository_StaleRecords(t *testing.T) {
	repo := NewPresenceRepository(setupPresenceTestDB(t))
	ctx := context.Background()
	ws := uuid.New()
	old, fresh := uuid.New(), uuid.New()

	_, err := repo.Upsert(ctx, ws, old, domain.PresencePatch{}, domain.PresenceDefaults{}, t0.Add(-20*time.Second))
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, ws, fresh, domain.PresencePatch{}, domain.PresenceDefaults{}, t0)
	require.NoError(t, err)

	cutoff := t0.Add(-15 * time.Second)
	stale, err := repo.FindStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old, stale[0].UserID)

	// a heartbeat lands after FindStale but before the delete
	_, err = repo.Upsert(ctx, ws, old, domain.PresencePatch{}, domain.PresenceDefaults{}, t0)
	require.NoError(t, err)

	deleted, err := repo.DeleteIfStale(ctx, ws, old, cutoff)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.Find(ctx, ws, old)
	assert.NoError(t, err)
}
