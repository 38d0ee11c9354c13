package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

var errEmptyEnumeration = errors.New("no active domains")

type CollectorConfig struct {
	Config
	Hypervisor Hypervisor
	// Directory may be nil, in which case tenant labels come only from
	// domain metadata or fall back to the unresolved label.
	Directory  TenantDirectory
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// MetricsCollector owns all state shared by the collection and tenant refresh
// tasks.
type MetricsCollector struct {
	cfg      Config
	hv       Hypervisor
	clock    clock.Clock
	registry *MetricRegistry
	metrics  *SelfMetrics
	cache    *TenantCache
	tracker  *SeriesTracker
	sampler  *DomainSampler

	hasDirectory bool
	cycleID      uint64
}

// CycleSummary describes one collection cycle.
type CycleSummary struct {
	ID            uint64
	Abandoned     bool
	ActiveDomains int
	Published     int
	Retired       int
	SkippedGroups int
	Duration      time.Duration
	Degraded      []string
}

func NewMetricsCollector(cfg CollectorConfig) (*MetricsCollector, error) {
	if cfg.Hypervisor == nil {
		return nil, fmt.Errorf("hypervisor is required")
	}
	if cfg.Registerer == nil {
		return nil, fmt.Errorf("registerer is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("collection interval must be positive")
	}
	if cfg.EnumerateAttempts == 0 {
		cfg.EnumerateAttempts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Tenant.UnresolvedLabel == "" {
		cfg.Tenant.UnresolvedLabel = "unknown"
	}

	mc := &MetricsCollector{
		cfg:          cfg.Config,
		hv:           cfg.Hypervisor,
		clock:        cfg.Clock,
		registry:     NewMetricRegistry(cfg.Registerer),
		metrics:      NewSelfMetrics(cfg.Registerer),
		hasDirectory: cfg.Directory != nil,
	}

	var limiter *rate.Limiter
	if cfg.Tenant.LookupRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Tenant.LookupRate), 1)
	}
	mc.cache = NewTenantCache(cfg.Directory, TenantCacheOptions{
		Attempts:           cfg.Tenant.LookupAttempts,
		LookupTimeout:      cfg.Tenant.LookupTimeout,
		Limiter:            limiter,
		RefreshConcurrency: cfg.Tenant.RefreshConcurrency,
	}, mc.metrics)
	mc.tracker = NewSeriesTracker(mc.registry)
	mc.sampler = &DomainSampler{
		cache:            mc.cache,
		unresolvedLabel:  cfg.Tenant.UnresolvedLabel,
		seedFromMetadata: cfg.Tenant.SeedFromMetadata,
	}
	return mc, nil
}

// -----------------------------------------------------------------------------
// Scheduled tasks
// -----------------------------------------------------------------------------

// Start runs the tenant refresh and the first collection cycle inline; each
// task queues its own next run on s.
func (mc *MetricsCollector) Start(ctx context.Context, s *Scheduler) error {
	if mc.hasDirectory {
		if err := mc.tenantRefreshTask(ctx, s); err != nil {
			return err
		}
	}
	return mc.collectTask(ctx, s)
}

func (mc *MetricsCollector) collectTask(ctx context.Context, s *Scheduler) error {
	mc.RunCycle(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Enter(mc.cfg.Interval, PriorityCollect, "collect", mc.collectTask)
	return nil
}

func (mc *MetricsCollector) tenantRefreshTask(ctx context.Context, s *Scheduler) error {
	mc.RefreshTenants(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Enter(mc.cfg.effectiveTenantRefresh(), PriorityTenantRefresh, "tenant_refresh", mc.tenantRefreshTask)
	return nil
}

// RefreshTenants rebuilds the tenant cache from the host-scoped listing.
func (mc *MetricsCollector) RefreshTenants(ctx context.Context) error {
	start := mc.clock.Now()
	logTenant.Info("tenant_refresh_start", "host", mc.cfg.HostName)
	err := mc.cache.RefreshAll(ctx, mc.cfg.HostName)
	mc.metrics.tenantRefreshed(err == nil, mc.clock.Since(start).Seconds(), float64(mc.clock.Now().Unix()))
	if err != nil {
		logTenant.Error("tenant_refresh_failed", "host", mc.cfg.HostName, "err", err)
		logTenant.Notice("collection_degraded", "stage", "tenant_refresh", "fallback", "keep_previous_cache", "impact", "new instances resolved lazily")
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Collection cycle
// -----------------------------------------------------------------------------

// RunCycle samples every active domain once and reconciles the published
// series with the result.
func (mc *MetricsCollector) RunCycle(ctx context.Context) CycleSummary {
	mc.cycleID++
	sum := CycleSummary{ID: mc.cycleID}
	start := mc.clock.Now()
	logCollector.Debug("collection_cycle_start", "cycle_id", sum.ID)

	conn, domains, err := mc.openAndEnumerate(ctx)
	if err != nil {
		mc.metrics.collectionError("connect")
		logCollector.Error("libvirt_connect_failed", "cycle_id", sum.ID, "uri", mc.cfg.LibvirtURI, "err", err)
		logCollector.Notice("collection_degraded", "cycle_id", sum.ID, "stage", "libvirt", "fallback", "skip_cycle", "impact", "previous values stay published")
		sum.Abandoned = true
		sum.Degraded = append(sum.Degraded, "libvirt")
		sum.Published = mc.tracker.Len()
		sum.Duration = mc.clock.Since(start)
		mc.logSummary(sum)
		return sum
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logLibvirt.Error("libvirt_close_failed", "cycle_id", sum.ID, "err", err)
		}
	}()

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name())
	}
	sum.ActiveDomains = len(domains)
	sum.Retired += mc.tracker.Begin(names)

	skippedByGroup := make(map[MetricGroup]int)
	for _, dom := range domains {
		for _, res := range mc.sampler.Sample(ctx, dom) {
			keys, pubErr := mc.publish(res)
			if res.Skipped() || pubErr != nil {
				err := res.Err
				if err == nil {
					err = pubErr
				}
				sum.SkippedGroups++
				skippedByGroup[res.Group]++
				mc.metrics.groupSkipped(res.Group)
				logCollector.Error("group_collection_failed", "cycle_id", sum.ID, "domain", dom.Name(), "uuid", dom.UUID(), "group", res.Group, "err", err)
				sum.Retired += mc.tracker.Record(dom.Name(), res.Group, keys, false)
				continue
			}
			sum.Retired += mc.tracker.Record(dom.Name(), res.Group, keys, true)
		}
	}
	sum.Retired += mc.tracker.Finish()

	for _, g := range metricGroups {
		if skippedByGroup[g] > 0 {
			sum.Degraded = append(sum.Degraded, string(g))
		}
	}
	sum.Published = mc.tracker.Len()
	sum.Duration = mc.clock.Since(start)
	mc.metrics.cycleFinished(sum.Duration.Seconds(), sum.ActiveDomains, sum.Published, sum.Retired)
	mc.metrics.tenantCacheSizes(mc.cache.Sizes())
	mc.logSummary(sum)
	return sum
}

// publish writes every sample of a successful group and returns the keys
// that made it into the registry.
func (mc *MetricsCollector) publish(res GroupResult) ([]SeriesKey, error) {
	if res.Skipped() {
		return nil, nil
	}
	keys := make([]SeriesKey, 0, len(res.Samples))
	var errs []error
	for _, s := range res.Samples {
		k, err := mc.registry.Publish(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, errors.Join(errs...)
}

// openAndEnumerate opens a connection and lists the confirmed-active domains.
// A failed open or an empty listing is retried with exponential backoff that
// starts at one collection interval. An empty listing that survives every
// attempt is returned as an empty, successful enumeration.
func (mc *MetricsCollector) openAndEnumerate(ctx context.Context) (HypervisorConn, []Domain, error) {
	var conn HypervisorConn
	attempt := 0

	op := func() ([]Domain, error) {
		attempt++
		if conn == nil {
			c, err := mc.hv.Open(ctx)
			if err != nil {
				return nil, err
			}
			conn = c
		}
		domains, err := mc.enumerate(conn)
		if err != nil {
			mc.metrics.collectionError("enumerate")
			_ = conn.Close()
			conn = nil
			return nil, err
		}
		if len(domains) == 0 {
			return nil, errEmptyEnumeration
		}
		return domains, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = mc.cfg.Interval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = 8 * mc.cfg.Interval

	domains, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(mc.cfg.EnumerateAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logCollector.Notice("enumeration_retry", "attempt", attempt, "retry_in_seconds", next.Seconds(), "err", err)
		}),
	)
	if errors.Is(err, errEmptyEnumeration) && conn != nil {
		logCollector.Info("no_active_domains", "attempts", attempt)
		return conn, nil, nil
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, nil, err
	}
	return conn, domains, nil
}

// enumerate resolves listed ids to handles and keeps the active ones. Domains
// that vanish between listing and lookup are skipped.
func (mc *MetricsCollector) enumerate(conn HypervisorConn) ([]Domain, error) {
	start := mc.clock.Now()
	ids, err := conn.ListActiveDomainIDs()
	if err != nil {
		return nil, err
	}

	domains := make([]Domain, 0, len(ids))
	for _, id := range ids {
		dom, err := conn.LookupDomain(id)
		if err != nil {
			logLibvirt.Notice("domain_lookup_failed", "id", id, "err", err)
			continue
		}
		active, err := dom.IsActive()
		if err != nil {
			logLibvirt.Notice("domain_state_failed", "domain", dom.Name(), "err", err)
			continue
		}
		if !active {
			continue
		}
		domains = append(domains, dom)
	}
	logLibvirt.Debug("domain_list_success", "listed", len(ids), "active", len(domains), "duration_seconds", mc.clock.Since(start).Seconds())
	return domains, nil
}

func (mc *MetricsCollector) logSummary(sum CycleSummary) {
	if !logCollector.Enabled(LogLevelDebug) {
		return
	}
	args := []any{
		"cycle_id", sum.ID,
		"duration_seconds", sum.Duration.Seconds(),
		"active_domains", sum.ActiveDomains,
		"published_series", sum.Published,
		"retired_series", sum.Retired,
		"skipped_groups", sum.SkippedGroups,
	}
	if sum.Abandoned {
		args = append(args, "abandoned", true)
	}
	if len(sum.Degraded) > 0 {
		args = append(args, "degraded_stages", strings.Join(sum.Degraded, ","))
	}
	logCollector.Debug("collection_cycle_summary", args...)
}
