package metrics

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func getTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, zap.NewNop()), reg
}

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, gauge.Write(metric))
	return metric.Gauge.GetValue()
}

func TestMetricNamesAreSnakeCase(t *testing.T) {
	m, reg := getTestMetrics(t)

	// Vec metrics only appear once a label set has been observed
	m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond)
	m.RecordDBQuery("select", "presences", time.Millisecond, errors.New("boom"))
	m.RecordExternalAPICall("/x", "PUT", 503, time.Millisecond, nil)
	m.RecordReap(0, nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	snake := regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	for _, f := range families {
		assert.Regexp(t, snake, f.GetName())
		assert.True(t, strings.HasPrefix(f.GetName(), namespace+"_"), f.GetName())
		assert.NotEmpty(t, f.GetHelp(), f.GetName())
	}
}

func TestPresenceCounters(t *testing.T) {
	m, _ := getTestMetrics(t)

	m.IncrementUpserts()
	m.IncrementUpserts()
	m.IncrementWriteFailures()
	m.IncrementReadFailures()
	m.IncrementLeaves()
	m.RecordReap(3, nil)
	m.RecordReap(0, errors.New("db down"))

	assert.Equal(t, 2.0, getCounterValue(t, m.UpsertsTotal))
	assert.Equal(t, 1.0, getCounterValue(t, m.WriteFailuresTotal))
	assert.Equal(t, 1.0, getCounterValue(t, m.ReadFailuresTotal))
	assert.Equal(t, 1.0, getCounterValue(t, m.LeavesTotal))
	assert.Equal(t, 3.0, getCounterValue(t, m.ReapedTotal))
	assert.Equal(t, 1.0, getCounterValue(t, m.ReapRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, getCounterValue(t, m.ReapRunsTotal.WithLabelValues("error")))
}

func TestWSSubscribersGauge(t *testing.T) {
	m, _ := getTestMetrics(t)

	m.IncrementWSSubscribers()
	m.IncrementWSSubscribers()
	m.DecrementWSSubscribers()

	assert.Equal(t, 1.0, getGaugeValue(t, m.WSSubscribers))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementUpserts()
		m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		m.UpdateDBStats(sql.DBStats{})
	})
}

func TestCategorizeStatus(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 301: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, categorizeStatus(code), code)
	}
}

func TestShouldSkipEndpoint(t *testing.T) {
	assert.True(t, ShouldSkipEndpoint("/metrics"))
	assert.True(t, ShouldSkipEndpoint("/api/presence/health"))
	assert.True(t, ShouldSkipEndpoint("/ready"))
	assert.False(t, ShouldSkipEndpoint("/api/presence/workspaces/x/presence"))
}

func TestNormalizeEndpoint(t *testing.T) {
	got := normalizeEndpoint("/api/presence/workspaces/123e4567-e89b-12d3-a456-426614174000/presence")
	assert.Equal(t, "/api/presence/workspaces/{id}/presence", got)
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "unauthorized", errorType(401, nil))
	assert.Equal(t, "write_failed", errorType(503, nil))
	assert.Equal(t, "timeout", errorType(0, context.DeadlineExceeded))
	assert.Equal(t, "connection_refused", errorType(0, errors.New("dial tcp: connection refused")))
}

func TestUpdateDBStats(t *testing.T) {
	m, _ := getTestMetrics(t)
	m.UpdateDBStats(sql.DBStats{OpenConnections: 4, InUse: 1, Idle: 3, MaxOpenConnections: 25})

	assert.Equal(t, 4.0, getGaugeValue(t, m.DBConnectionsOpen))
	assert.Equal(t, 1.0, getGaugeValue(t, m.DBConnectionsInUse))
	assert.Equal(t, 3.0, getGaugeValue(t, m.DBConnectionsIdle))
	assert.Equal(t, 25.0, getGaugeValue(t, m.DBConnectionsMax))
}

type stubCounter struct {
	since time.Time
	count int64
	err   error
}

func (s *stubCounter) CountRecent(_ context.Context, since time.Time) (int64, error) {
	s.since = since
	return s.count, s.err
}

func TestPresenceCollector_Collect(t *testing.T) {
	m, _ := getTestMetrics(t)
	counter := &stubCounter{count: 7}
	c := NewPresenceCollector(counter, m, zap.NewNop(), time.Minute, time.Hour)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.collect()

	assert.Equal(t, 7.0, getGaugeValue(t, m.RecordsRecent))
	assert.Equal(t, fixed.Add(-time.Minute), counter.since)

	counter.err = errors.New("db down")
	counter.count = 0
	c.collect()
	assert.Equal(t, 7.0, getGaugeValue(t, m.RecordsRecent), "failed count keeps the last value")
}
