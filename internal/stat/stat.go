// Package stat holds prometheus counters of edge and host roles.
// Each Stat has own registry so tests and multiple nodes in one process do not collide.
package stat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sparkplug"

type Stat struct {
	Registry *prometheus.Registry

	// edge
	Published     *prometheus.CounterVec // type
	PublishErrors *prometheus.CounterVec // type
	Births        prometheus.Counter
	Deaths        prometheus.Counter
	Commands      *prometheus.CounterVec // kind
	QueueDepth    prometheus.Gauge

	// host
	Received        *prometheus.CounterVec // type
	DecodeErrors    prometheus.Counter
	SequenceGaps    prometheus.Counter
	RebirthRequests prometheus.Counter
	StaleDeaths     prometheus.Counter
	NodesOnline     prometheus.Gauge
}

func New() *Stat {
	s := &Stat{
		Registry: prometheus.NewRegistry(),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "published_total",
			Help: "Messages published by edge node, by message type.",
		}, []string{"type"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "publish_errors_total",
			Help: "Failed edge publish attempts, by message type.",
		}, []string{"type"}),
		Births: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "births_total",
			Help: "Completed node birth sequences.",
		}),
		Deaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "deaths_total",
			Help: "Node transitions to dead state.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "commands_total",
			Help: "Received command metrics, by kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "edge", Name: "queue_depth",
			Help: "Data messages waiting in store and forward queue.",
		}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "received_total",
			Help: "Messages received by host application, by message type.",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "decode_errors_total",
			Help: "Messages dropped due to malformed topic or payload.",
		}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "sequence_gaps_total",
			Help: "Observed sequence gaps.",
		}),
		RebirthRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "rebirth_requests_total",
			Help: "Rebirth commands sent to edge nodes.",
		}),
		StaleDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "stale_deaths_total",
			Help: "Ignored node deaths with bdSeq of previous session.",
		}),
		NodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "nodes_online",
			Help: "Edge nodes currently online.",
		}),
	}
	s.Registry.MustRegister(
		s.Published, s.PublishErrors, s.Births, s.Deaths, s.Commands, s.QueueDepth,
		s.Received, s.DecodeErrors, s.SequenceGaps, s.RebirthRequests, s.StaleDeaths, s.NodesOnline,
	)
	return s
}

// Handler serves /metrics from own registry.
func (s *Stat) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})
}
