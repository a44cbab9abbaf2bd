package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)
	require.NotNil(t, collector)

	// registering twice on the same registry must fail loudly
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordRead(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordRead(nil)
	c.RecordRead(nil)
	c.RecordRead(errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.reads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reads.WithLabelValues("error")))
}

func TestRecordWrite(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordWrite(WriteOK)
	c.RecordWrite(WriteRetried)
	c.RecordWrite(WriteRetried)
	c.RecordWrite(WriteFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.writes.WithLabelValues(WriteOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.writes.WithLabelValues(WriteRetried)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.writes.WithLabelValues(WriteFailed)))
}

func TestReconnectAndLinkGauge(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordReconnect(errors.New("refused"))
	c.RecordReconnect(nil)
	c.SetLinkOnline(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.linkOnline))

	c.SetLinkOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.linkOnline))
}

func TestDispatchCounters(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordInbound()
	c.RecordInbound()
	c.RecordEchoSuppressed()
	c.RecordListenerError()
	c.SetReadJobs(7)
	c.ObserveTick(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.inboundFrames))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.echoSuppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.listenerErrors))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.readJobs))
	assert.Equal(t, 1, testutil.CollectAndCount(c.tickDuration))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRead(nil)
		c.RecordWrite(WriteOK)
		c.RecordReconnect(nil)
		c.RecordEchoSuppressed()
		c.RecordInbound()
		c.RecordListenerError()
		c.ObserveTick(time.Second)
		c.SetReadJobs(1)
		c.SetLinkOnline(true)
	})
}

func TestServerExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.SetReadJobs(3)

	srv := NewServer(0, reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "bridge_read_jobs 3")
}
