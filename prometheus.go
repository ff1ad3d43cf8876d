package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// PrometheusMetrics holds the decoder metric collectors
type PrometheusMetrics struct {
	framesDecoded    *prometheus.CounterVec // frames by technology and direction
	crcErrors        *prometheus.CounterVec // CRC failures by technology
	parityErrors     *prometheus.CounterVec // parity failures by technology
	samplesProcessed prometheus.Gauge
	carrierEvents    *prometheus.CounterVec // carrier on/off events
	syncLosses       prometheus.Counter

	lastStats nfc.Stats
}

// NewPrometheusMetrics registers the decoder collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		framesDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nfc_frames_decoded_total",
			Help: "Decoded frames by technology and direction",
		}, []string{"tech", "direction"}),

		crcErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nfc_crc_errors_total",
			Help: "Frames with a failed checksum by technology",
		}, []string{"tech"}),

		parityErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nfc_parity_errors_total",
			Help: "Frames with a parity violation by technology",
		}, []string{"tech"}),

		samplesProcessed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nfc_samples_processed",
			Help: "Samples ingested by the decoder",
		}),

		carrierEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nfc_carrier_events_total",
			Help: "Carrier field events by state",
		}, []string{"state"}),

		syncLosses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nfc_sync_losses_total",
			Help: "Locks released without a decoded frame",
		}),
	}
}

// PublishFrame counts one decoded frame
func (m *PrometheusMetrics) PublishFrame(frame nfc.Frame) {
	m.framesDecoded.WithLabelValues(frame.Tech.String(), frame.Direction.String()).Inc()
	if !frame.HasCRC() {
		m.crcErrors.WithLabelValues(frame.Tech.String()).Inc()
	}
	if !frame.HasParity() {
		m.parityErrors.WithLabelValues(frame.Tech.String()).Inc()
	}
}

// UpdateStats folds a decoder stats snapshot into the gauges
func (m *PrometheusMetrics) UpdateStats(stats nfc.Stats) {
	m.samplesProcessed.Set(float64(stats.SamplesProcessed))

	if d := stats.CarrierOnEvents - m.lastStats.CarrierOnEvents; d > 0 {
		m.carrierEvents.WithLabelValues("on").Add(float64(d))
	}
	if d := stats.CarrierOffEvents - m.lastStats.CarrierOffEvents; d > 0 {
		m.carrierEvents.WithLabelValues("off").Add(float64(d))
	}
	if d := stats.SyncLosses - m.lastStats.SyncLosses; d > 0 {
		m.syncLosses.Add(float64(d))
	}
	m.lastStats = stats
}
