package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionCreated()
	m.Transition("completed")
	m.Transition("completed")
	m.Callback("duplicate")
	m.Expired(3)
	m.Expired(0)
	m.Request("/api/classwallet/verify-payment", "POST", "200", 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Callbacks.WithLabelValues("duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/api/classwallet/verify-payment", "POST", "200")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated()
		m.Transition("failed")
		m.Callback("rejected")
		m.Expired(1)
		m.Request("/", "GET", "200", 0)
	})
}
