package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned by a TenantDirectory when the control plane
// definitively has no such record.
var ErrNotFound = errors.New("not found")

type ServerRecord struct {
	ID       string
	TenantID string
}

type ProjectRecord struct {
	ID   string
	Name string
}

// TenantDirectory is the cloud control plane as seen by the cache.
type TenantDirectory interface {
	GetServer(ctx context.Context, id string) (ServerRecord, error)
	GetProject(ctx context.Context, id string) (ProjectRecord, error)
	ListHostServers(ctx context.Context, host string) ([]ServerRecord, error)
}

type lookupKind string

const (
	kindTenantID   lookupKind = "tenant_id"
	kindTenantName lookupKind = "tenant_name"
)

type TenantCacheOptions struct {
	Attempts           int
	LookupTimeout      time.Duration
	Limiter            *rate.Limiter
	RefreshConcurrency int
}

// TenantCache maps instance UUIDs to their project id and project name. It
// is filled in bulk by RefreshAll and lazily, one instance at a time, on a
// miss. Entries live until the next successful bulk refresh.
type TenantCache struct {
	dir     TenantDirectory
	opts    TenantCacheOptions
	metrics *SelfMetrics

	mu    sync.RWMutex
	ids   map[string]string
	names map[string]string
}

func NewTenantCache(dir TenantDirectory, opts TenantCacheOptions, metrics *SelfMetrics) *TenantCache {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 1
	}
	return &TenantCache{
		dir:     dir,
		opts:    opts,
		metrics: metrics,
		ids:     make(map[string]string),
		names:   make(map[string]string),
	}
}

func (c *TenantCache) ResolveTenantID(ctx context.Context, uuid string) (string, bool) {
	return c.resolve(ctx, uuid, kindTenantID)
}

func (c *TenantCache) ResolveTenantName(ctx context.Context, uuid string) (string, bool) {
	return c.resolve(ctx, uuid, kindTenantName)
}

// resolve reads the cache and, on a miss, spends at most one remote round
// trip per attempt trying to fill it. It never returns an error.
func (c *TenantCache) resolve(ctx context.Context, uuid string, kind lookupKind) (string, bool) {
	if v, ok := c.get(kind, uuid); ok {
		c.metrics.tenantLookup(string(kind), "hit")
		return v, true
	}
	if c.dir == nil {
		c.metrics.tenantLookup(string(kind), "unresolved")
		return "", false
	}

	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		err := c.lookupOne(ctx, uuid, kind)
		if v, ok := c.get(kind, uuid); ok {
			c.metrics.tenantLookup(string(kind), "resolved")
			logTenant.Debug("tenant_lookup_resolved", "uuid", uuid, "kind", kind, "attempt", attempt)
			return v, true
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			c.metrics.tenantLookup(string(kind), "not_found")
			logTenant.Notice("tenant_lookup_not_found", "uuid", uuid, "kind", kind, "attempt", attempt)
			return "", false
		}
		c.metrics.tenantLookup(string(kind), "error")
		logTenant.Error("tenant_lookup_failed", "uuid", uuid, "kind", kind, "attempt", attempt, "err", err)
		if ctx.Err() != nil {
			break
		}
	}

	c.metrics.tenantLookup(string(kind), "unresolved")
	logTenant.Notice("tenant_unresolved", "uuid", uuid, "kind", kind, "attempts", c.opts.Attempts)
	return "", false
}

// lookupOne performs a single remote round trip bounded by LookupTimeout.
func (c *TenantCache) lookupOne(ctx context.Context, uuid string, kind lookupKind) error {
	if c.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.LookupTimeout)
		defer cancel()
	}
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("lookup throttled: %w", err)
		}
	}

	srv, err := c.dir.GetServer(ctx, uuid)
	if err != nil {
		return fmt.Errorf("get server %s: %w", uuid, err)
	}
	if srv.TenantID == "" {
		return fmt.Errorf("server %s has no tenant", uuid)
	}

	if kind == kindTenantID {
		c.put(uuid, srv.TenantID, "")
		return nil
	}

	project, err := c.dir.GetProject(ctx, srv.TenantID)
	if err != nil {
		c.put(uuid, srv.TenantID, "")
		return fmt.Errorf("get project %s: %w", srv.TenantID, err)
	}
	c.put(uuid, srv.TenantID, project.Name)
	return nil
}

// Seed records an owner learned outside the control plane. Existing entries
// win.
func (c *TenantCache) Seed(uuid string, owner DomainOwner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[uuid]; !ok && owner.ProjectID != "" {
		c.ids[uuid] = owner.ProjectID
	}
	if _, ok := c.names[uuid]; !ok && owner.ProjectName != "" {
		c.names[uuid] = owner.ProjectName
	}
}

// RefreshAll rebuilds both maps from one host-scoped server listing. The
// previous contents survive a failed listing.
func (c *TenantCache) RefreshAll(ctx context.Context, host string) error {
	if c.dir == nil {
		return nil
	}

	servers, err := c.dir.ListHostServers(ctx, host)
	if err != nil {
		return fmt.Errorf("list servers on host %s: %w", host, err)
	}

	ids := make(map[string]string, len(servers))
	var projectIDs []string
	seen := make(map[string]struct{})
	for _, s := range servers {
		if s.ID == "" || s.TenantID == "" {
			continue
		}
		ids[s.ID] = s.TenantID
		if _, ok := seen[s.TenantID]; !ok {
			seen[s.TenantID] = struct{}{}
			projectIDs = append(projectIDs, s.TenantID)
		}
	}

	var (
		mu       sync.Mutex
		g        errgroup.Group
		failed   int
		projects = make(map[string]string, len(projectIDs))
	)
	g.SetLimit(c.opts.RefreshConcurrency)
	for _, projectID := range projectIDs {
		g.Go(func() error {
			p, err := c.dir.GetProject(ctx, projectID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logTenant.Error("tenant_refresh_project_failed", "project_id", projectID, "err", err)
				return nil
			}
			projects[projectID] = p.Name
			return nil
		})
	}
	_ = g.Wait()

	names := make(map[string]string, len(ids))
	for uuid, projectID := range ids {
		if name := projects[projectID]; name != "" {
			names[uuid] = name
		}
	}

	c.mu.Lock()
	c.ids = ids
	c.names = names
	c.mu.Unlock()

	c.metrics.tenantCacheSizes(len(ids), len(names))
	logTenant.Info("tenant_refresh", "host", host, "servers", len(ids), "projects", len(projects), "project_failures", failed)
	return nil
}

func (c *TenantCache) Sizes() (ids, names int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids), len(c.names)
}

func (c *TenantCache) get(kind lookupKind, uuid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var v string
	var ok bool
	if kind == kindTenantID {
		v, ok = c.ids[uuid]
	} else {
		v, ok = c.names[uuid]
	}
	return v, ok && v != ""
}

func (c *TenantCache) put(uuid, tenantID, tenantName string) {
	c.mu.Lock()
	if tenantID != "" {
		c.ids[uuid] = tenantID
	}
	if tenantName != "" {
		c.names[uuid] = tenantName
	}
	ids, names := len(c.ids), len(c.names)
	c.mu.Unlock()
	c.metrics.tenantCacheSizes(ids, names)
}
