package observ

import (
	"testing"
	"time"

	"github.com/aq2208/zalo-notifier/internal/adapter/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDispatch("SEND_OTP", queue.OutcomeAcked, 12*time.Millisecond)
	m.ObserveDispatch("SEND_OTP", queue.OutcomeAcked, time.Millisecond)
	m.ObserveDispatch("", queue.OutcomeDecodeError, 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("SEND_OTP", queue.OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("unknown", queue.OutcomeDecodeError)))

	m.ObserveState(queue.StateReconnecting)
	m.ObserveState(queue.StateConsuming)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("consuming")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("reconnecting")))

	m.ObserveReconnect(true)
	m.ObserveReconnect(false)
	m.ObserveReconnect(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}
