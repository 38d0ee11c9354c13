package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

const selfMetricPrefix = "libvirt_exporter_"

// SelfMetrics describes the exporter's own health. All methods are nil-safe so
// components can run without it in tests.
type SelfMetrics struct {
	cyclesTotal           prometheus.Counter
	retiredSeriesTotal    prometheus.Counter
	tenantRefreshErrors   prometheus.Counter
	cycleDuration         prometheus.Gauge
	activeDomains         prometheus.Gauge
	publishedSeries       prometheus.Gauge
	tenantRefreshSuccess  prometheus.Gauge
	tenantRefreshDuration prometheus.Gauge

	collectionErrors   *prometheus.CounterVec
	groupSkips         *prometheus.CounterVec
	tenantLookups      *prometheus.CounterVec
	tenantCacheEntries *prometheus.GaugeVec
}

func NewSelfMetrics(reg prometheus.Registerer) *SelfMetrics {
	sm := &SelfMetrics{}

	type counter struct {
		dst  *prometheus.Counter
		name string
		help string
	}
	counters := []counter{
		{dst: &sm.cyclesTotal, name: "cycles_total", help: "Completed collection cycles"},
		{dst: &sm.retiredSeriesTotal, name: "retired_series_total", help: "Series removed from the registry by reconciliation"},
		{dst: &sm.tenantRefreshErrors, name: "tenant_refresh_errors_total", help: "Failed bulk tenant cache refreshes"},
	}
	for _, c := range counters {
		*c.dst = prometheus.NewCounter(prometheus.CounterOpts{Name: selfMetricPrefix + c.name, Help: c.help})
		reg.MustRegister(*c.dst)
	}

	type gauge struct {
		dst  *prometheus.Gauge
		name string
		help string
	}
	gauges := []gauge{
		{dst: &sm.cycleDuration, name: "cycle_duration_seconds", help: "Duration of the last collection cycle (seconds)"},
		{dst: &sm.activeDomains, name: "active_domains", help: "Active domains sampled in the last cycle"},
		{dst: &sm.publishedSeries, name: "published_series", help: "Domain series published at the end of the last cycle"},
		{dst: &sm.tenantRefreshSuccess, name: "tenant_refresh_last_success_timestamp_seconds", help: "Unix timestamp of the last successful bulk tenant refresh"},
		{dst: &sm.tenantRefreshDuration, name: "tenant_refresh_duration_seconds", help: "Duration of the last bulk tenant refresh (seconds)"},
	}
	for _, g := range gauges {
		*g.dst = prometheus.NewGauge(prometheus.GaugeOpts{Name: selfMetricPrefix + g.name, Help: g.help})
		reg.MustRegister(*g.dst)
	}

	sm.collectionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: selfMetricPrefix + "collection_errors_total",
		Help: "Collection cycle errors by stage",
	}, []string{"stage"})
	sm.groupSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: selfMetricPrefix + "group_skips_total",
		Help: "Metric groups skipped for a domain because collection failed",
	}, []string{"group"})
	sm.tenantLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: selfMetricPrefix + "tenant_lookups_total",
		Help: "Tenant resolutions by kind and outcome",
	}, []string{"kind", "result"})
	sm.tenantCacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: selfMetricPrefix + "tenant_cache_entries",
		Help: "Entries in the tenant resolution cache",
	}, []string{"map"})
	reg.MustRegister(sm.collectionErrors, sm.groupSkips, sm.tenantLookups, sm.tenantCacheEntries)

	for _, g := range metricGroups {
		sm.groupSkips.WithLabelValues(string(g))
	}
	return sm
}

func (sm *SelfMetrics) collectionError(stage string) {
	if sm == nil {
		return
	}
	sm.collectionErrors.WithLabelValues(stage).Inc()
}

func (sm *SelfMetrics) groupSkipped(g MetricGroup) {
	if sm == nil {
		return
	}
	sm.groupSkips.WithLabelValues(string(g)).Inc()
}

func (sm *SelfMetrics) tenantLookup(kind, result string) {
	if sm == nil {
		return
	}
	sm.tenantLookups.WithLabelValues(kind, result).Inc()
}

func (sm *SelfMetrics) tenantCacheSizes(ids, names int) {
	if sm == nil {
		return
	}
	sm.tenantCacheEntries.WithLabelValues("tenant_id").Set(float64(ids))
	sm.tenantCacheEntries.WithLabelValues("tenant_name").Set(float64(names))
}

func (sm *SelfMetrics) tenantRefreshed(ok bool, seconds float64, nowUnix float64) {
	if sm == nil {
		return
	}
	sm.tenantRefreshDuration.Set(seconds)
	if !ok {
		sm.tenantRefreshErrors.Inc()
		return
	}
	sm.tenantRefreshSuccess.Set(nowUnix)
}

func (sm *SelfMetrics) cycleFinished(seconds float64, active, published, retired int) {
	if sm == nil {
		return
	}
	sm.cyclesTotal.Inc()
	sm.cycleDuration.Set(seconds)
	sm.activeDomains.Set(float64(active))
	sm.publishedSeries.Set(float64(published))
	sm.retiredSeriesTotal.Add(float64(retired))
}
