package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_Records(t *testing.T) {
	r := NewRegistry("test", nil)

	r.LineRead()
	r.LineRead()
	r.ParseError()
	r.Buffered(128)
	r.Flushed(nil, 0)
	r.Flushed(errors.New("disk full"), 64)
	r.Rotated(nil)
	r.ReportPrepared("issue", nil)
	r.PreparationsInFlight(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.LinesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ParseErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Flushes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Flushes.WithLabelValues("failure")))
	assert.Equal(t, 64.0, testutil.ToFloat64(r.BufferBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReportsPrepared.WithLabelValues("issue", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.PreparationsBusy))
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.LineRead()
		r.Evicted(3, 0)
		r.UploadAttempt(nil)
		r.UploadFinished(1.5)
	})
}

func TestRegistry_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry("svc", reg)
	r.LineRead()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "svc_capture_lines_read_total 1")
}
