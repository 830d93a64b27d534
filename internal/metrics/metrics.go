package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheStatsProvider exposes caller ID cache counters.
type CacheStatsProvider interface {
	Stats() callerid.CacheStats
}

// RingingCallsProvider exposes the number of calls waiting for the user.
type RingingCallsProvider interface {
	Count() int
}

// ContactCounter returns the number of directory contacts.
type ContactCounter interface {
	Count(ctx context.Context) (int64, error)
}

// ActionCounter returns how many cards ended in each outcome
// (answered, rejected, ended).
type ActionCounter interface {
	ActionCounts() map[string]uint64
}

// Collector is a prometheus.Collector that gathers callcard metrics at
// scrape time.
type Collector struct {
	cache     CacheStatsProvider
	ringing   RingingCallsProvider
	contacts  ContactCounter
	actions   ActionCounter
	startTime time.Time
	logger    *slog.Logger

	cacheEntriesDesc *prometheus.Desc
	lookupsDesc      *prometheus.Desc
	cacheHitsDesc    *prometheus.Desc
	lookupJoinsDesc  *prometheus.Desc
	ringingDesc      *prometheus.Desc
	contactsDesc     *prometheus.Desc
	outcomesDesc     *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	cache CacheStatsProvider,
	ringing RingingCallsProvider,
	contacts ContactCounter,
	actions ActionCounter,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		cache:     cache,
		ringing:   ringing,
		contacts:  contacts,
		actions:   actions,
		startTime: startTime,
		logger:    logger.With("component", "metrics"),

		cacheEntriesDesc: prometheus.NewDesc(
			"callcard_cache_entries",
			"Number of calls held in the caller ID cache",
			nil, nil,
		),
		lookupsDesc: prometheus.NewDesc(
			"callcard_lookups_total",
			"Total caller lookups started by the cache",
			nil, nil,
		),
		cacheHitsDesc: prometheus.NewDesc(
			"callcard_cache_hits_total",
			"Total resolve requests served from already resolved entries",
			nil, nil,
		),
		lookupJoinsDesc: prometheus.NewDesc(
			"callcard_lookup_joins_total",
			"Total resolve requests that attached to a lookup in flight",
			nil, nil,
		),
		ringingDesc: prometheus.NewDesc(
			"callcard_ringing_calls",
			"Number of inbound calls waiting for answer or reject",
			nil, nil,
		),
		contactsDesc: prometheus.NewDesc(
			"callcard_directory_contacts",
			"Number of contacts in the local directory",
			nil, nil,
		),
		outcomesDesc: prometheus.NewDesc(
			"callcard_card_outcomes_total",
			"Total call cards closed, by outcome",
			[]string{"outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callcard_uptime_seconds",
			"Seconds since the callcard process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntriesDesc
	ch <- c.lookupsDesc
	ch <- c.cacheHitsDesc
	ch <- c.lookupJoinsDesc
	ch <- c.ringingDesc
	ch <- c.contactsDesc
	ch <- c.outcomesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.cache != nil {
		s := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.cacheEntriesDesc, prometheus.GaugeValue, float64(s.Entries))
		ch <- prometheus.MustNewConstMetric(c.lookupsDesc, prometheus.CounterValue, float64(s.Lookups))
		ch <- prometheus.MustNewConstMetric(c.cacheHitsDesc, prometheus.CounterValue, float64(s.Hits))
		ch <- prometheus.MustNewConstMetric(c.lookupJoinsDesc, prometheus.CounterValue, float64(s.Joins))
	}

	if c.ringing != nil {
		ch <- prometheus.MustNewConstMetric(
			c.ringingDesc, prometheus.GaugeValue,
			float64(c.ringing.Count()),
		)
	}

	if c.contacts != nil {
		count, err := c.contacts.Count(ctx)
		if err != nil {
			c.logger.Error("failed to count contacts", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.contactsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.actions != nil {
		counts := c.actions.ActionCounts()
		outcomes := make([]string, 0, len(counts))
		for o := range counts {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			ch <- prometheus.MustNewConstMetric(
				c.outcomesDesc, prometheus.CounterValue,
				float64(counts[o]), o,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
