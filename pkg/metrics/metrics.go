package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the pipeline collectors. A nil *Registry is valid and records nothing.
type Registry struct {
	LinesRead        prometheus.Counter
	ParseErrors      prometheus.Counter
	RecordsFiltered  prometheus.Counter
	RecordsBuffered  prometheus.Counter
	RecordsEvicted   prometheus.Counter
	Flushes          *prometheus.CounterVec
	BufferBytes      prometheus.Gauge
	Rotations        *prometheus.CounterVec
	ReportsPrepared  *prometheus.CounterVec
	PreparationsBusy prometheus.Gauge
	Uploads          *prometheus.CounterVec
	UploadLatency    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewRegistry creates the collectors and registers them on reg. A nil reg
// uses a private registry.
func NewRegistry(namespace string, reg prometheus.Registerer) *Registry {
	if namespace == "" {
		namespace = "logtrack"
	}

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	r := &Registry{gatherer: gatherer}
	r.LinesRead = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "lines_read_total", Help: "Raw lines read from the log source."})
	r.ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "parse_errors_total", Help: "Lines dropped because they could not be parsed."})
	r.RecordsFiltered = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "records_filtered_total", Help: "Records rejected by the filter."})
	r.RecordsBuffered = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "records_buffered_total", Help: "Records accepted into the write buffer."})
	r.RecordsEvicted = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "records_evicted_total", Help: "Buffered records evicted while capture was paused."})
	r.Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "flushes_total", Help: "Buffer flushes by result."}, []string{"result"})
	r.BufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "capture", Name: "buffer_bytes", Help: "Bytes currently held in the write buffer."})
	r.Rotations = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "capture", Name: "rotations_total", Help: "File rotations by result."}, []string{"result"})
	r.ReportsPrepared = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "report", Name: "prepared_total", Help: "Report preparations by kind and result."}, []string{"kind", "result"})
	r.PreparationsBusy = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "report", Name: "preparations_in_flight", Help: "Report preparations holding capture paused."})
	r.Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "upload", Name: "attempts_total", Help: "Upload attempts by result."}, []string{"result"})
	r.UploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: "upload", Name: "duration_seconds", Help: "Duration of report deliveries including retries.", Buckets: prometheus.DefBuckets})

	reg.MustRegister(
		r.LinesRead, r.ParseErrors, r.RecordsFiltered, r.RecordsBuffered, r.RecordsEvicted,
		r.Flushes, r.BufferBytes, r.Rotations, r.ReportsPrepared, r.PreparationsBusy,
		r.Uploads, r.UploadLatency,
	)
	return r
}

// Handler serves the registry in the prometheus exposition format
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ===== nil-safe recorders =====

func (r *Registry) LineRead() {
	if r != nil {
		r.LinesRead.Inc()
	}
}

func (r *Registry) ParseError() {
	if r != nil {
		r.ParseErrors.Inc()
	}
}

func (r *Registry) Filtered() {
	if r != nil {
		r.RecordsFiltered.Inc()
	}
}

func (r *Registry) Buffered(bufferBytes int) {
	if r != nil {
		r.RecordsBuffered.Inc()
		r.BufferBytes.Set(float64(bufferBytes))
	}
}

func (r *Registry) Evicted(n int, bufferBytes int) {
	if r != nil {
		r.RecordsEvicted.Add(float64(n))
		r.BufferBytes.Set(float64(bufferBytes))
	}
}

func (r *Registry) Flushed(err error, bufferBytes int) {
	if r != nil {
		r.Flushes.WithLabelValues(result(err)).Inc()
		r.BufferBytes.Set(float64(bufferBytes))
	}
}

func (r *Registry) Rotated(err error) {
	if r != nil {
		r.Rotations.WithLabelValues(result(err)).Inc()
	}
}

func (r *Registry) ReportPrepared(kind string, err error) {
	if r != nil {
		r.ReportsPrepared.WithLabelValues(kind, result(err)).Inc()
	}
}

func (r *Registry) PreparationsInFlight(n int) {
	if r != nil {
		r.PreparationsBusy.Set(float64(n))
	}
}

func (r *Registry) UploadAttempt(err error) {
	if r != nil {
		r.Uploads.WithLabelValues(result(err)).Inc()
	}
}

func (r *Registry) UploadFinished(seconds float64) {
	if r != nil {
		r.UploadLatency.Observe(seconds)
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
