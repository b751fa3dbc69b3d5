package profiler

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func debug() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

// Registry returns a registry with all collectors of this package registered.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(MuxFrames)
	r.MustRegister(MuxBytes)
	r.MustRegister(MuxPorts)
	r.MustRegister(ConnectStats)
	r.MustRegister(ChannelForwards)
	return r
}

func StartProfiler(addr string) error {
	m := http.NewServeMux()

	m.Handle("/", debug())
	m.Handle("/metrics", promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}))

	return http.ListenAndServe(addr, m)
}
