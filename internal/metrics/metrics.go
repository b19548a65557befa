// Package metrics registers the Prometheus counters and gauges the gateway
// exposes on /metrics: PCI traffic, confirmation-pool pressure, throttler
// depth, and session liveness.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stat holds every metric the gateway exposes.
type Stat struct {
	Uptime prometheus.Counter

	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	CodecErrors     prometheus.Counter
	PCINak          prometheus.Counter

	ConfirmInUse     prometheus.Gauge
	ConfirmEvictions prometheus.Counter
	CommandAbandoned prometheus.Counter

	ThrottleQueueDepth prometheus.Gauge
	ThrottleDropped    prometheus.Counter

	PublishedGroups prometheus.Gauge

	SessionUp prometheus.Gauge
}

// New constructs a Stat with its metric descriptors, unregistered.
func New() *Stat {
	return &Stat{
		Uptime: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_uptime_seconds", Help: "Seconds since the gateway process started.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_pci_packets_sent_total", Help: "PCI packets written to the transport.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_pci_packets_received_total", Help: "PCI packets decoded from the transport.",
		}),
		CodecErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_pci_codec_errors_total", Help: "Frames that failed checksum or packet decoding.",
		}),
		PCINak: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_pci_nak_total", Help: "PCI-cannot-accept-data (!) responses observed.",
		}),
		ConfirmInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbusd_confirm_codes_in_use", Help: "Confirmation codes currently allocated.",
		}),
		ConfirmEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_confirm_forced_evictions_total", Help: "Confirmation codes released by timeout reaping or forced eviction under pressure.",
		}),
		CommandAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_commands_abandoned_total", Help: "Pending sends abandoned after exhausting retries.",
		}),
		ThrottleQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbusd_throttle_queue_depth", Help: "Tasks currently queued in the dispatch throttler.",
		}),
		ThrottleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbusd_throttle_dropped_total", Help: "Tasks dropped because the throttler queue was full.",
		}),
		PublishedGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbusd_published_groups", Help: "Size of the published-GA set since the last reconnect.",
		}),
		SessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbusd_session_up", Help: "1 while the PCI session is Ready, 0 otherwise.",
		}),
	}
}

// Register adds every metric to the default Prometheus registry and starts
// the uptime ticker.
func (s *Stat) Register() {
	prometheus.MustRegister(
		s.Uptime, s.PacketsSent, s.PacketsReceived, s.CodecErrors, s.PCINak,
		s.ConfirmInUse, s.ConfirmEvictions, s.CommandAbandoned,
		s.ThrottleQueueDepth, s.ThrottleDropped, s.PublishedGroups, s.SessionUp,
	)
	go s.tickUptime()
}

func (s *Stat) tickUptime() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for range tick.C {
		s.Uptime.Inc()
	}
}

// Serve starts a plain net/http server exposing /metrics on addr and
// returns it; the caller owns shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("metrics: serving on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server error: %v", err)
		}
	}()
	return srv
}
