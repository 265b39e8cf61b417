package metrics

// IncrementUpserts counts a successful presence write
func (m *Metrics) IncrementUpserts() {
	m.safeExecute("IncrementUpserts", func() {
		m.UpsertsTotal.Inc()
	})
}

// IncrementWriteFailures counts a presence write the store rejected
func (m *Metrics) IncrementWriteFailures() {
	m.safeExecute("IncrementWriteFailures", func() {
		m.WriteFailuresTotal.Inc()
	})
}

// IncrementReadFailures counts a read that degraded to an empty list
func (m *Metrics) IncrementReadFailures() {
	m.safeExecute("IncrementReadFailures", func() {
		m.ReadFailuresTotal.Inc()
	})
}

// IncrementLeaves counts an explicit leave
func (m *Metrics) IncrementLeaves() {
	m.safeExecute("IncrementLeaves", func() {
		m.LeavesTotal.Inc()
	})
}

// RecordReap records one reaper run
func (m *Metrics) RecordReap(evicted int, err error) {
	m.safeExecute("RecordReap", func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		m.ReapRunsTotal.WithLabelValues(result).Inc()
		m.ReapedTotal.Add(float64(evicted))
	})
}

// SetRecordsRecent sets the recent records gauge
func (m *Metrics) SetRecordsRecent(count int64) {
	m.safeExecute("SetRecordsRecent", func() {
		m.RecordsRecent.Set(float64(count))
	})
}

// IncrementWSSubscribers tracks an opened presence stream
func (m *Metrics) IncrementWSSubscribers() {
	m.safeExecute("IncrementWSSubscribers", func() {
		m.WSSubscribers.Inc()
	})
}

// DecrementWSSubscribers tracks a closed presence stream
func (m *Metrics) DecrementWSSubscribers() {
	m.safeExecute("DecrementWSSubscribers", func() {
		m.WSSubscribers.Dec()
	})
}
