package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const startTimeKey = "metrics:start_time"

// MetricsRecorder is an interface for recording database metrics
type MetricsRecorder interface {
	RecordDBQuery(operation, table string, duration time.Duration, err error)
	UpdateDBStats(stats interface{})
}

// RegisterMetricsCallbacks times every select, insert, update, delete and raw
// statement issued through db.
func RegisterMetricsCallbacks(db *gorm.DB, recorder MetricsRecorder) error {
	cb := db.Callback()
	steps := []func() error{
		func() error { return cb.Query().Before("gorm:query").Register("metrics:before_query", markStart) },
		func() error {
			return cb.Query().After("gorm:query").Register("metrics:after_query", recordAfter("select", recorder))
		},
		func() error { return cb.Create().Before("gorm:create").Register("metrics:before_create", markStart) },
		func() error {
			return cb.Create().After("gorm:create").Register("metrics:after_create", recordAfter("insert", recorder))
		},
		func() error { return cb.Update().Before("gorm:update").Register("metrics:before_update", markStart) },
		func() error {
			return cb.Update().After("gorm:update").Register("metrics:after_update", recordAfter("update", recorder))
		},
		func() error { return cb.Delete().Before("gorm:delete").Register("metrics:before_delete", markStart) },
		func() error {
			return cb.Delete().After("gorm:delete").Register("metrics:after_delete", recordAfter("delete", recorder))
		},
		func() error { return cb.Raw().Before("gorm:raw").Register("metrics:before_raw", markStart) },
		func() error {
			return cb.Raw().After("gorm:raw").Register("metrics:after_raw", recordAfter("raw", recorder))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func markStart(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func recordAfter(operation string, recorder MetricsRecorder) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}

		err := db.Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = nil
		}
		recorder.RecordDBQuery(operation, table, time.Since(start), err)
	}
}

// StartDBStatsCollector periodically pushes connection pool stats to the
// recorder until ctx is cancelled.
func StartDBStatsCollector(ctx context.Context, db *gorm.DB, recorder MetricsRecorder, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				recorder.UpdateDBStats(sqlDB.Stats())
			}
		}
	}()
}
