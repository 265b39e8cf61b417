package presencesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"presence-service/internal/activity"
	"presence-service/internal/broker"
	"presence-service/internal/domain"
	"presence-service/internal/metrics"
	"presence-service/internal/repository"
	"presence-service/internal/service"
)

type fakeReader struct {
	mu      sync.Mutex
	records []domain.Presence
	err     error
	calls   int
}

func (r *fakeReader) ListRecent(context.Context, uuid.UUID, time.Duration) ([]domain.Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]domain.Presence, len(r.records))
	copy(out, r.records)
	return out, nil
}

func (r *fakeReader) set(records []domain.Presence, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = records
	r.err = err
}

func (r *fakeReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func named(id uuid.UUID, name string) domain.Presence {
	return domain.Presence{UserID: id, DisplayName: name}
}

func TestWatcher_ExcludesSelfAndSummarizesFirstPoll(t *testing.T) {
	self, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	reader := &fakeReader{records: []domain.Presence{named(self, "Me"), named(u2, "Bo"), named(u3, "Cy")}}
	w := NewWatcher(reader, uuid.New(), WatcherOptions{Self: self, Clock: quartz.NewMock(t)})

	w.Poll(context.Background())

	collabs := w.Collaborators(time.Now())
	require.Len(t, collabs, 2)
	for _, c := range collabs {
		assert.NotEqual(t, self, c.Presence.UserID)
	}

	feed := w.Feed()
	require.Len(t, feed, 1)
	assert.Equal(t, activity.EntrySystem, feed[0].Kind)
	assert.Equal(t, "2 collaborators online", feed[0].Message)
}

func TestWatcher_JoinAndLeave(t *testing.T) {
	self, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	clock := quartz.NewMock(t)
	reader := &fakeReader{records: []domain.Presence{named(u2, "Bo")}}
	w := NewWatcher(reader, uuid.New(), WatcherOptions{Self: self, Clock: clock})
	ctx := context.Background()

	w.Poll(ctx)
	reader.set([]domain.Presence{named(u3, "Cy")}, nil)
	w.Poll(ctx)

	feed := w.Feed()
	require.Len(t, feed, 3)
	assert.Equal(t, "Cy joined", feed[0].Message)
	assert.Equal(t, "Bo left", feed[1].Message)
	assert.Equal(t, "1 collaborator online", feed[2].Message)
	assert.Equal(t, clock.Now(), feed[0].At)
}

func TestWatcher_FailedPollEmptiesListWithoutLeaves(t *testing.T) {
	u2 := uuid.New()
	reader := &fakeReader{records: []domain.Presence{named(u2, "Bo")}}
	w := NewWatcher(reader, uuid.New(), WatcherOptions{Self: uuid.New(), Clock: quartz.NewMock(t)})
	ctx := context.Background()

	w.Poll(ctx)
	reader.set(nil, errors.New("connection refused"))
	w.Poll(ctx)

	assert.Empty(t, w.Collaborators(time.Now()))
	assert.Len(t, w.Feed(), 1, "a failed read is not everyone leaving")

	reader.set([]domain.Presence{named(u2, "Bo")}, nil)
	w.Poll(ctx)
	assert.Len(t, w.Collaborators(time.Now()), 1)
	assert.Len(t, w.Feed(), 1, "recovery is not a join")
}

func TestWatcher_PollsOnInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clock := quartz.NewMock(t)
	reader := &fakeReader{}
	w := NewWatcher(reader, uuid.New(), WatcherOptions{Clock: clock})

	runCtx, stop := context.WithCancel(ctx)
	w.Start(runCtx)
	assert.Equal(t, 1, reader.callCount())

	clock.Advance(2 * time.Second).MustWait(ctx)
	clock.Advance(2 * time.Second).MustWait(ctx)
	assert.Equal(t, 3, reader.callCount())

	stop()
	w.Wait()
}

// serviceWriter and serviceReader stand in for the HTTP client so the
// session talks to the service directly.
type serviceWriter struct {
	svc      service.PresenceService
	identity domain.Identity
}

func (w serviceWriter) Upsert(ctx context.Context, workspaceID uuid.UUID, patch domain.PresencePatch) error {
	_, err := w.svc.Upsert(ctx, w.identity, workspaceID, patch)
	return err
}

func (w serviceWriter) Remove(ctx context.Context, workspaceID uuid.UUID) error {
	return w.svc.Remove(ctx, workspaceID, w.identity.UserID)
}

type serviceReader struct {
	svc service.PresenceService
}

func (r serviceReader) ListRecent(ctx context.Context, workspaceID uuid.UUID, maxAge time.Duration) ([]domain.Presence, error) {
	return r.svc.ListRecent(ctx, workspaceID, maxAge), nil
}

type workspace struct {
	*harness
	id      uuid.UUID
	svc     service.PresenceService
	watcher *Watcher
}

func newWorkspace(t *testing.T) *workspace {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(repository.Models()...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	clock := quartz.NewMock(t)
	b := broker.NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	m := metrics.NewWithRegistry(prometheus.NewRegistry(), zap.NewNop())
	svc := service.NewPresenceService(repository.NewPresenceRepository(db), b, m, clock,
		service.Windows{Present: 60 * time.Second, Active: 5 * time.Minute}, zap.NewNop())

	ws := uuid.New()
	u1 := domain.Identity{UserID: uuid.New(), DisplayName: "Ana"}
	u2 := uuid.New()

	h := &harness{t: t, ctx: ctx, clock: clock}
	h.session = New(serviceWriter{svc: svc, identity: u1}, ws, Options{Clock: clock})
	h.flush()

	return &workspace{
		harness: h,
		id:      ws,
		svc:     svc,
		watcher: NewWatcher(serviceReader{svc: svc}, ws, WatcherOptions{Self: u2, Clock: clock}),
	}
}

func (w *workspace) observe() activity.Collaborator {
	w.t.Helper()
	w.watcher.Poll(w.ctx)
	collabs := w.watcher.Collaborators(w.clock.Now())
	require.Len(w.t, collabs, 1)
	return collabs[0]
}

func TestSync_TypingThenEditing(t *testing.T) {
	w := newWorkspace(t)

	// three seconds of steady typing
	for i := 0; i < 30; i++ {
		w.session.OnContentChange(domain.Cursor{Line: 12, Column: i + 1})
		w.advance(100 * time.Millisecond)
	}
	typing := w.observe()
	assert.Equal(t, activity.StatusTyping, typing.Status)
	assert.Equal(t, "Line 12", typing.Description)

	w.advance(750 * time.Millisecond)
	editing := w.observe()
	assert.Equal(t, activity.StatusEditing, editing.Status)
	assert.Equal(t, "Ana", editing.Label)

	w.advance(20 * time.Second)
	assert.Equal(t, activity.StatusActive, w.observe().Status)
}

func TestSync_SelectionIsVisibleAfterDebounce(t *testing.T) {
	w := newWorkspace(t)

	w.session.OnSelectionChange(&domain.Selection{StartLine: 3, StartColumn: 1, EndLine: 5, EndColumn: 4})
	w.advance(100 * time.Millisecond)

	c := w.observe()
	assert.Equal(t, activity.StatusSelecting, c.Status)
	assert.Equal(t, "3 lines selected", c.Description)

	w.session.OnSelectionChange(nil)
	w.advance(100 * time.Millisecond)
	assert.Equal(t, activity.StatusEditing, w.observe().Status)
}

func TestSync_CloseRemovesRecord(t *testing.T) {
	w := newWorkspace(t)
	w.observe()

	require.NoError(t, w.session.Close(w.ctx))

	w.watcher.Poll(w.ctx)
	assert.Empty(t, w.watcher.Collaborators(w.clock.Now()))
	feed := w.watcher.Feed()
	require.NotEmpty(t, feed)
	assert.Equal(t, activity.EntryLeft, feed[0].Kind)
	assert.Equal(t, "Ana left", feed[0].Message)
}
