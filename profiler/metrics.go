package profiler

import "github.com/prometheus/client_golang/prometheus"

var (
	MuxFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanmux",
		Subsystem: "chmux",
		Help:      "Count of multiplexer frames by direction and message type",
		Name:      "frames_total",
	}, []string{"direction", "type"})

	MuxBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanmux",
		Subsystem: "chmux",
		Help:      "Count of port payload bytes by direction",
		Name:      "payload_bytes_total",
	}, []string{"direction"})

	MuxPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chanmux",
		Subsystem: "chmux",
		Help:      "Number of live multiplexer ports",
		Name:      "ports_open",
	})

	ConnectStats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanmux",
		Subsystem: "chmux",
		Help:      "Outcomes of port connect requests",
		Name:      "connect_total",
	}, []string{"result"})

	ChannelForwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanmux",
		Subsystem: "rch",
		Help:      "Remote channel forwarding tasks by channel kind and outcome",
		Name:      "forwards_total",
	}, []string{"kind", "result"})
)
