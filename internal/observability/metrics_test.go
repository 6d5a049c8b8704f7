package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promCallsCreated)
		assert.NotNil(t, m.promDeliveriesOK)
		assert.NotNil(t, m.PromDeliveryDuration)
	})
}

func TestMetricsIncCallsCreated(t *testing.T) {
	t.Run("increments created-calls counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncCallsCreated()
		m.IncCallsCreated()
		m.IncCallsCreated()

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.CallsCreated)
	})
}

func TestMetricsIncDuplicatesIgnored(t *testing.T) {
	t.Run("increments duplicate counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncDuplicatesIgnored()
		m.IncDuplicatesIgnored()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.DuplicatesIgnored)
	})
}

func TestMetricsDeliveryCounters(t *testing.T) {
	t.Run("increments delivery outcome counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncDeliveriesOK()
		m.IncDeliveriesOK()
		m.IncDeliveriesFailed()
		m.IncDeliveriesRetried()
		m.IncDeliveriesRetried()
		m.IncDeliveriesRetried()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.DeliveriesOK)
		assert.Equal(t, int64(1), snap.DeliveriesFailed)
		assert.Equal(t, int64(3), snap.DeliveriesRetried)
	})
}

func TestMetricsIncCircuitRejected(t *testing.T) {
	t.Run("increments open-circuit rejection counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncCircuitRejected()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.CircuitRejected)
	})
}

func TestMetricsSessionCounters(t *testing.T) {
	t.Run("increments eviction and stale counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncSessionsEvicted()
		m.IncSessionsStale()
		m.IncSessionsStale()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.SessionsEvicted)
		assert.Equal(t, int64(2), snap.SessionsStale)
	})
}

func TestMetricsInFlight(t *testing.T) {
	t.Run("tracks in-flight deliveries up and down", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		assert.Equal(t, int64(1), m.AddInFlight(1))
		assert.Equal(t, int64(2), m.AddInFlight(1))
		assert.Equal(t, int64(2), m.InFlight())
		assert.Equal(t, int64(1), m.AddInFlight(-1))
		assert.Equal(t, int64(0), m.AddInFlight(-1))
	})
}

func TestMetricsSetCircuitState(t *testing.T) {
	t.Run("one-hot encodes the breaker state", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.SetCircuitState("OPEN")

		families, err := reg.Gather()
		assert.NoError(t, err)

		found := false
		for _, fam := range families {
			if fam.GetName() != "callbridge_circuit_state" {
				continue
			}
			for _, metric := range fam.GetMetric() {
				for _, label := range metric.GetLabel() {
					if label.GetValue() == "OPEN" {
						assert.Equal(t, 1.0, metric.GetGauge().GetValue())
						found = true
					} else if label.GetName() == "state" {
						assert.Equal(t, 0.0, metric.GetGauge().GetValue())
					}
				}
			}
		}
		assert.True(t, found, "OPEN state gauge not registered")
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncCallsCreated()
		m.IncCallsCreated()
		m.IncDuplicatesIgnored()
		m.IncDeliveriesOK()
		m.IncDeliveriesFailed()
		m.IncDeliveriesRetried()
		m.IncCircuitRejected()
		m.IncSessionsEvicted()
		m.IncSessionsStale()
		m.AddInFlight(1)

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.CallsCreated)
		assert.Equal(t, int64(1), snap.DuplicatesIgnored)
		assert.Equal(t, int64(1), snap.DeliveriesOK)
		assert.Equal(t, int64(1), snap.DeliveriesFailed)
		assert.Equal(t, int64(1), snap.DeliveriesRetried)
		assert.Equal(t, int64(1), snap.CircuitRejected)
		assert.Equal(t, int64(1), snap.SessionsEvicted)
		assert.Equal(t, int64(1), snap.SessionsStale)
		assert.Equal(t, int64(1), snap.InFlight)
	})
}
