package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xilenv/bbwatch/pkg/observer"
)

const namespace = "bbwatch"

// Collector exports observer.Stats as Prometheus metrics. Values are read
// from the table on every scrape.
type Collector struct {
	table *observer.Table

	handles       *prometheus.Desc
	entries       *prometheus.Desc
	globals       *prometheus.Desc
	notifications *prometheus.Desc
	deliveries    *prometheus.Desc
	staleDrops    *prometheus.Desc
}

// NewCollector creates a collector over table.
func NewCollector(table *observer.Table) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "observer", name), help, nil, nil)
	}
	return &Collector{
		table:         table,
		handles:       desc("handles", "Connected subscriber handles."),
		entries:       desc("entries", "Variables with at least one subscriber."),
		globals:       desc("global_subscribers", "Whole-table subscribers."),
		notifications: desc("notifications_total", "Observation callbacks received from the store."),
		deliveries:    desc("deliveries_total", "Notifications forwarded to subscribers."),
		staleDrops:    desc("stale_drops_total", "Callbacks whose opaque index no longer matched its variable."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handles
	ch <- c.entries
	ch <- c.globals
	ch <- c.notifications
	ch <- c.deliveries
	ch <- c.staleDrops
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.table.Stats()
	ch <- prometheus.MustNewConstMetric(c.handles, prometheus.GaugeValue, float64(s.Handles))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.globals, prometheus.GaugeValue, float64(s.Globals))
	ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.CounterValue, float64(s.Notifications))
	ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.CounterValue, float64(s.Deliveries))
	ch <- prometheus.MustNewConstMetric(c.staleDrops, prometheus.CounterValue, float64(s.StaleDrops))
}
