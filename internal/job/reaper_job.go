package job

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"presence-service/internal/broker"
	"presence-service/internal/metrics"
	"presence-service/internal/repository"
)

// ReaperJob evicts presence records that have not been refreshed within
// staleAfter. It is the only thing that removes records left behind by
// clients that disconnected without a clean leave.
type ReaperJob struct {
	presenceRepo repository.PresenceRepository
	broker       broker.Broker
	metrics      *metrics.Metrics
	clock        quartz.Clock
	staleAfter   time.Duration
	timeout      time.Duration
	logger       *zap.Logger
}

// NewReaperJob creates a new ReaperJob instance
func NewReaperJob(
	presenceRepo repository.PresenceRepository,
	b broker.Broker,
	m *metrics.Metrics,
	clock quartz.Clock,
	staleAfter time.Duration,
	logger *zap.Logger,
) *ReaperJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReaperJob{
		presenceRepo: presenceRepo,
		broker:       b,
		metrics:      m,
		clock:        clock,
		staleAfter:   staleAfter,
		timeout:      5 * time.Second,
		logger:       logger,
	}
}

// Run implements cron.Job
func (j *ReaperJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, _ = j.Reap(ctx)
}

// Reap deletes every record older than now - staleAfter and returns how many
// it removed. Records refreshed between the scan and the delete are kept, and
// records already removed by someone else are skipped.
func (j *ReaperJob) Reap(ctx context.Context) (int, error) {
	cutoff := j.clock.Now().Add(-j.staleAfter)

	stale, err := j.presenceRepo.FindStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("Failed to find stale presence records", zap.Error(err))
		j.metrics.RecordReap(0, err)
		return 0, err
	}
	if len(stale) == 0 {
		j.metrics.RecordReap(0, nil)
		return 0, nil
	}

	evicted := 0
	failed := 0
	var lastErr error
	for _, p := range stale {
		deleted, err := j.presenceRepo.DeleteIfStale(ctx, p.WorkspaceID, p.UserID, cutoff)
		if err != nil {
			j.logger.Warn("Failed to evict stale presence record",
				zap.String("workspace_id", p.WorkspaceID.String()),
				zap.String("user_id", p.UserID.String()),
				zap.Error(err),
			)
			failed++
			lastErr = err
			continue
		}
		if !deleted {
			continue
		}
		evicted++

		if j.broker != nil {
			if err := j.broker.Publish(ctx, broker.Event{
				Type:        broker.EventLeft,
				WorkspaceID: p.WorkspaceID,
				UserID:      p.UserID,
				At:          j.clock.Now(),
			}); err != nil {
				j.logger.Debug("Failed to publish eviction", zap.Error(err))
			}
		}
	}

	j.metrics.RecordReap(evicted, lastErr)
	j.logger.Info("Presence reaper completed",
		zap.Int("stale", len(stale)),
		zap.Int("evicted", evicted),
		zap.Int("failed", failed),
	)
	return evicted, lastErr
}
