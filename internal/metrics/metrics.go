// Package metrics exposes Prometheus counters and gauges for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectionsActive     prometheus.Gauge
	RoomsActive           prometheus.Gauge
	SegmentsTotal         *prometheus.CounterVec
	TranscriptionSessions prometheus.Gauge
	StreamReconnectsTotal prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetsrv_connections_active",
			Help: "Currently connected websocket clients.",
		}),
		RoomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetsrv_rooms_active",
			Help: "Rooms with at least one peer.",
		}),
		SegmentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetsrv_transcript_segments_total",
			Help: "Transcript segments broadcast, by finality.",
		}, []string{"kind"}),
		TranscriptionSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetsrv_transcription_sessions",
			Help: "Live transcription sessions.",
		}),
		StreamReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetsrv_stream_reconnects_total",
			Help: "Reconnect attempts of the streaming transcription client.",
		}),
	}
}

// Default is the shared registry-backed instance used by the server.
var Default = New()
