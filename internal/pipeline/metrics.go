package pipeline

import (
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage labels used for timings.
const (
	StageDownload = "download"
	StageConvert  = "convert"
	StageDetect   = "detect"
	StageCrop     = "crop"
	StageOCR      = "ocr"
	StageExtract  = "extract"
	StagePersist  = "persist"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	Results       *prometheus.CounterVec
	Detections    prometheus.Histogram
	Records       prometheus.Counter
	InFlight      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recrop_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage"}),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recrop_results_total",
			Help: "Persisted summaries by result code",
		}, []string{"code"}),
		Detections: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recrop_detections_per_source",
			Help:    "Number of receipt regions detected per source image",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
		}),
		Records: f.NewCounter(prometheus.CounterOpts{
			Name: "recrop_records_total",
			Help: "Input records processed",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "recrop_records_in_flight",
			Help: "Records currently being processed",
		}),
	}
}

func (m *Metrics) observeStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) countResult(code receipt.Code) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) observeDetections(n int) {
	if m == nil {
		return
	}
	m.Detections.Observe(float64(n))
}
