package presencesync

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/activity"
	"presence-service/internal/domain"
)

// Reader is the read side of the presence API
type Reader interface {
	ListRecent(ctx context.Context, workspaceID uuid.UUID, maxAge time.Duration) ([]domain.Presence, error)
}

// WatcherOptions tunes a Watcher. Zero values take the defaults below.
type WatcherOptions struct {
	// Self is excluded from the collaborator list and the feed.
	Self         uuid.UUID
	PollInterval time.Duration // 2s
	MaxAge       time.Duration // 60s
	FeedCapacity int           // 10

	Clock  quartz.Clock
	Logger *zap.Logger
}

func (o WatcherOptions) withDefaults() WatcherOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Watcher polls the collaborators of a workspace and derives the activity
// feed from successive snapshots.
type Watcher struct {
	reader      Reader
	workspaceID uuid.UUID
	opts        WatcherOptions
	feed        *activity.Feed

	mu      sync.Mutex
	records []domain.Presence
	waiter  quartz.Waiter
}

// NewWatcher creates a stopped Watcher
func NewWatcher(reader Reader, workspaceID uuid.UUID, opts WatcherOptions) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		reader:      reader,
		workspaceID: workspaceID,
		opts:        opts,
		feed:        activity.NewFeed(opts.FeedCapacity),
	}
}

// Start polls once and then every PollInterval until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.Poll(ctx)
	waiter := w.opts.Clock.TickerFunc(ctx, w.opts.PollInterval, func() error {
		w.Poll(ctx)
		return nil
	}, "presencesync", "watcher")

	w.mu.Lock()
	w.waiter = waiter
	w.mu.Unlock()
}

// Wait blocks until the polling loop started by Start has exited.
func (w *Watcher) Wait() {
	w.mu.Lock()
	waiter := w.waiter
	w.mu.Unlock()
	if waiter != nil {
		_ = waiter.Wait()
	}
}

// Poll reads the workspace once. A failed read empties the collaborator list
// but is not reported to the feed as everyone leaving.
func (w *Watcher) Poll(ctx context.Context) {
	records, err := w.reader.ListRecent(ctx, w.workspaceID, w.opts.MaxAge)
	if err != nil {
		w.opts.Logger.Debug("Presence poll failed",
			zap.String("workspace_id", w.workspaceID.String()),
			zap.Error(err))
		w.mu.Lock()
		w.records = nil
		w.mu.Unlock()
		return
	}

	others := make([]domain.Presence, 0, len(records))
	for _, p := range records {
		if p.UserID != w.opts.Self {
			others = append(others, p)
		}
	}

	w.mu.Lock()
	w.records = others
	w.mu.Unlock()
	w.feed.Observe(others, w.opts.Clock.Now())
}

// Collaborators classifies the last snapshot at now. Statuses move with time
// alone, so callers re-evaluate this on their own render cadence.
func (w *Watcher) Collaborators(now time.Time) []activity.Collaborator {
	w.mu.Lock()
	records := make([]domain.Presence, len(w.records))
	copy(records, w.records)
	w.mu.Unlock()
	return activity.Annotate(records, now)
}

// Feed returns the activity feed, newest first.
func (w *Watcher) Feed() []activity.Entry {
	return w.feed.Entries()
}
