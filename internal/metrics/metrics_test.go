package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineCounters(t *testing.T) {
	p := New(prometheus.NewRegistry())

	p.Request("guest", "completed")
	p.Request("guest", "completed")
	p.ModelCall("fast", "error")
	p.Fallback()
	p.GuestLimitHit()
	p.AuditDrop()
	p.ObserveStage("reasoning", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(p.RequestsTotal.WithLabelValues("guest", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ModelCalls.WithLabelValues("fast", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ModelFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.GuestLimitHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.AuditDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(p.StageDuration))
}

func TestNilPipelineIsSafe(t *testing.T) {
	var p *Pipeline
	assert.NotPanics(t, func() {
		p.Request("user", "fatal")
		p.ImageStarted()
		p.ImageFinished()
		p.ObserveStage("persist", time.Now())
		p.SetQueueDepth(3)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	p := New(prometheus.NewRegistry())
	p.RateLimitHit()

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "medibot_security_rate_limited_total 1"))
}
