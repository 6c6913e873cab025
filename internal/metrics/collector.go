// Package metrics exposes call orchestration state to Prometheus.
package metrics

import (
	"consult-platform/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes live sessions grouped by status.
type SessionCounter interface {
	CountByStatus() map[calls.Status]int
}

// ConnectionCounter exposes parties with a live event channel.
type ConnectionCounter interface {
	Online() int
}

// Collector is a prometheus.Collector that reads registry state at scrape time.
// Either provider may be nil.
type Collector struct {
	sessions SessionCounter
	online   ConnectionCounter

	sessionsDesc *prometheus.Desc
	onlineDesc   *prometheus.Desc
}

func NewCollector(sessions SessionCounter, online ConnectionCounter) *Collector {
	return &Collector{
		sessions: sessions,
		online:   online,
		sessionsDesc: prometheus.NewDesc(
			"consult_sessions",
			"Call sessions held in the registry, by status",
			[]string{"status"}, nil,
		),
		onlineDesc: prometheus.NewDesc(
			"consult_parties_connected",
			"Parties with at least one open event channel",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.onlineDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		counts := c.sessions.CountByStatus()
		for _, s := range calls.AllStatuses {
			ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(counts[s]), string(s))
		}
	}
	if c.online != nil {
		ch <- prometheus.MustNewConstMetric(c.onlineDesc, prometheus.GaugeValue, float64(c.online.Online()))
	}
}
