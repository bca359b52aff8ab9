package quest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector exposes an engine's counters to Prometheus.
type EngineCollector struct {
	engine *Engine

	questsStarted  *prometheus.Desc
	questsDeduped  *prometheus.Desc
	questsResolved *prometheus.Desc
	questsFailed   *prometheus.Desc
	rollbacks      *prometheus.Desc
	staleDropped   *prometheus.Desc
	inflight       *prometheus.Desc
	fetchSeconds   *prometheus.Desc
}

func NewEngineCollector(engine *Engine) *EngineCollector {
	return &EngineCollector{
		engine: engine,

		questsStarted: prometheus.NewDesc(
			"quest_started_total",
			"Total number of quests started",
			nil, nil,
		),
		questsDeduped: prometheus.NewDesc(
			"quest_deduplicated_total",
			"Total number of quest starts coalesced onto an in-flight fetch",
			nil, nil,
		),
		questsResolved: prometheus.NewDesc(
			"quest_resolved_total",
			"Total number of quests settled successfully",
			nil, nil,
		),
		questsFailed: prometheus.NewDesc(
			"quest_failed_total",
			"Total number of quests settled with an error",
			nil, nil,
		),
		rollbacks: prometheus.NewDesc(
			"quest_rollback_total",
			"Total number of optimistic sequences rolled back",
			nil, nil,
		),
		staleDropped: prometheus.NewDesc(
			"quest_stale_settlement_total",
			"Total number of settlements dropped as stale",
			nil, nil,
		),
		inflight: prometheus.NewDesc(
			"quest_inflight",
			"Number of fetches currently in flight",
			nil, nil,
		),
		fetchSeconds: prometheus.NewDesc(
			"quest_fetch_seconds_avg",
			"Running average fetch duration in seconds",
			nil, nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.questsStarted
	ch <- c.questsDeduped
	ch <- c.questsResolved
	ch <- c.questsFailed
	ch <- c.rollbacks
	ch <- c.staleDropped
	ch <- c.inflight
	ch <- c.fetchSeconds
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	m := &c.engine.metrics
	ch <- prometheus.MustNewConstMetric(c.questsStarted, prometheus.CounterValue, float64(m.started.Load()))
	ch <- prometheus.MustNewConstMetric(c.questsDeduped, prometheus.CounterValue, float64(m.deduped.Load()))
	ch <- prometheus.MustNewConstMetric(c.questsResolved, prometheus.CounterValue, float64(m.resolved.Load()))
	ch <- prometheus.MustNewConstMetric(c.questsFailed, prometheus.CounterValue, float64(m.failed.Load()))
	ch <- prometheus.MustNewConstMetric(c.rollbacks, prometheus.CounterValue, float64(m.rollbacks.Load()))
	ch <- prometheus.MustNewConstMetric(c.staleDropped, prometheus.CounterValue, float64(m.stale.Load()))
	ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(c.engine.reg.Len()))
	ch <- prometheus.MustNewConstMetric(c.fetchSeconds, prometheus.GaugeValue, c.engine.fetchAvg.Val())
}
