package push

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the delivery counters and gauges. Registration happens
// against an injected registerer so tests can instantiate isolated sets.
type Metrics struct {
	Delivered        prometheus.Counter
	Queued           prometheus.Counter
	DroppedRateLimit prometheus.Counter
	Evicted          prometheus.Counter
	WriteFailures    prometheus.Counter
	LiveSessions     prometheus.Gauge
	OnlineUsers      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_payloads_delivered_total",
			Help: "Payloads written to at least one live session",
		}),
		Queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_payloads_queued_total",
			Help: "Payloads diverted to the offline mailbox",
		}),
		DroppedRateLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_payloads_dropped_rate_limited_total",
			Help: "Payloads dropped by the per-user rate limiter",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_mailbox_evicted_total",
			Help: "Mailbox entries evicted by the per-user bound",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_channel_write_failures_total",
			Help: "Channel writes that failed and removed their session",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushgate_live_sessions",
			Help: "Currently registered push sessions",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushgate_online_users",
			Help: "Users with at least one live session",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Delivered,
			m.Queued,
			m.DroppedRateLimit,
			m.Evicted,
			m.WriteFailures,
			m.LiveSessions,
			m.OnlineUsers,
		)
	}
	return m
}
