package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Hypervisor fakes
// -----------------------------------------------------------------------------

type fakeDomain struct {
	name   string
	uuid   string
	active bool
	xml    string

	cpu   []NamedValue
	mem   []NamedValue
	block map[string]BlockStats
	iface map[string]InterfaceStats

	xmlErr   error
	cpuErr   error
	memErr   error
	blockErr map[string]error
	panicCPU bool
}

func newFakeDomain(name, uuid string, disks, ifaces []string) *fakeDomain {
	d := &fakeDomain{
		name:   name,
		uuid:   uuid,
		active: true,
		xml:    domainXMLFor(name, uuid, disks, ifaces),
		cpu: []NamedValue{
			{Name: "cpu_time", Value: 3000},
			{Name: "user_time", Value: 2000},
			{Name: "system_time", Value: 1000},
		},
		mem: []NamedValue{
			{Name: "actual", Value: 2097152},
			{Name: "rss", Value: 1048576},
		},
		block:    make(map[string]BlockStats),
		iface:    make(map[string]InterfaceStats),
		blockErr: make(map[string]error),
	}
	for i, dev := range disks {
		n := int64(i + 1)
		d.block[dev] = BlockStats{
			RdReq: 10 * n, RdBytes: 4096 * n, WrReq: 5 * n, WrBytes: 2048 * n, Errs: 0,
			WrTotalTimes: 700 * n, RdTotalTimes: 900 * n, FlushTotalTimes: 30 * n, FlushOperations: 3 * n,
		}
	}
	for i, dev := range ifaces {
		n := int64(i + 1)
		d.iface[dev] = InterfaceStats{
			RxBytes: 1000 * n, RxPackets: 10 * n, TxBytes: 500 * n, TxPackets: 5 * n,
		}
	}
	return d
}

func domainXMLFor(name, uuid string, disks, ifaces []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<domain type='kvm'><name>%s</name><uuid>%s</uuid><devices>", name, uuid)
	for _, d := range disks {
		fmt.Fprintf(&b, "<disk type='file' device='disk'><target dev='%s' bus='virtio'/></disk>", d)
	}
	b.WriteString("<disk type='file' device='cdrom'><target dev='hdc' bus='ide'/></disk>")
	for _, i := range ifaces {
		fmt.Fprintf(&b, "<interface type='bridge'><target dev='%s'/></interface>", i)
	}
	b.WriteString("</devices></domain>")
	return b.String()
}

func (d *fakeDomain) Name() string { return d.name }
func (d *fakeDomain) UUID() string { return d.uuid }

func (d *fakeDomain) IsActive() (bool, error) { return d.active, nil }

func (d *fakeDomain) XMLDesc() (string, error) {
	if d.xmlErr != nil {
		return "", d.xmlErr
	}
	return d.xml, nil
}

func (d *fakeDomain) CPUStats() ([]NamedValue, error) {
	if d.panicCPU {
		panic("cpu stats exploded")
	}
	return d.cpu, d.cpuErr
}

func (d *fakeDomain) MemoryStats() ([]NamedValue, error) { return d.mem, d.memErr }

func (d *fakeDomain) BlockStats(dev string) (BlockStats, error) {
	if err := d.blockErr[dev]; err != nil {
		return BlockStats{}, err
	}
	s, ok := d.block[dev]
	if !ok {
		return BlockStats{}, fmt.Errorf("no device %s", dev)
	}
	return s, nil
}

func (d *fakeDomain) InterfaceStats(dev string) (InterfaceStats, error) {
	s, ok := d.iface[dev]
	if !ok {
		return InterfaceStats{}, fmt.Errorf("no interface %s", dev)
	}
	return s, nil
}

// fakeHypervisor serves one listing per ListActiveDomainIDs call; the last
// listing repeats.
type fakeHypervisor struct {
	mu           sync.Mutex
	openFailures int
	listings     [][]*fakeDomain

	opens  int
	lists  int
	closes int
}

func (h *fakeHypervisor) setDomains(doms ...*fakeDomain) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listings = [][]*fakeDomain{doms}
}

func (h *fakeHypervisor) Open(ctx context.Context) (HypervisorConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens++
	if h.openFailures > 0 {
		h.openFailures--
		return nil, errors.New("connection refused")
	}
	return &fakeConn{h: h}, nil
}

type fakeConn struct {
	h       *fakeHypervisor
	current []*fakeDomain
}

func (c *fakeConn) ListActiveDomainIDs() ([]int32, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	c.h.lists++
	if len(c.h.listings) == 0 {
		c.current = nil
		return nil, nil
	}
	c.current = c.h.listings[0]
	if len(c.h.listings) > 1 {
		c.h.listings = c.h.listings[1:]
	}
	ids := make([]int32, len(c.current))
	for i := range c.current {
		ids[i] = int32(i + 1)
	}
	return ids, nil
}

func (c *fakeConn) LookupDomain(id int32) (Domain, error) {
	if id < 1 || int(id) > len(c.current) {
		return nil, fmt.Errorf("no domain with id %d", id)
	}
	return c.current[id-1], nil
}

func (c *fakeConn) Close() error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	c.h.closes++
	return nil
}

// -----------------------------------------------------------------------------
// Control plane fake
// -----------------------------------------------------------------------------

type fakeDirectory struct {
	mu          sync.Mutex
	servers     map[string]ServerRecord
	projects    map[string]ProjectRecord
	hostServers []ServerRecord
	serverErr   error
	projectErr  map[string]error
	listErr     error
	delay       time.Duration

	serverCalls  int
	projectCalls int
	listCalls    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		servers:    make(map[string]ServerRecord),
		projects:   make(map[string]ProjectRecord),
		projectErr: make(map[string]error),
	}
}

func (d *fakeDirectory) addServer(uuid, tenantID, tenantName string, onHost bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := ServerRecord{ID: uuid, TenantID: tenantID}
	d.servers[uuid] = rec
	d.projects[tenantID] = ProjectRecord{ID: tenantID, Name: tenantName}
	if onHost {
		d.hostServers = append(d.hostServers, rec)
	}
}

func (d *fakeDirectory) GetServer(ctx context.Context, id string) (ServerRecord, error) {
	d.mu.Lock()
	d.serverCalls++
	delay, err := d.delay, d.serverErr
	rec, ok := d.servers[id]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ServerRecord{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return ServerRecord{}, err
	}
	if !ok {
		return ServerRecord{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (d *fakeDirectory) GetProject(ctx context.Context, id string) (ProjectRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.projectCalls++
	if err := d.projectErr[id]; err != nil {
		return ProjectRecord{}, err
	}
	p, ok := d.projects[id]
	if !ok {
		return ProjectRecord{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (d *fakeDirectory) ListHostServers(ctx context.Context, host string) ([]ServerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls++
	if d.listErr != nil {
		return nil, d.listErr
	}
	return append([]ServerRecord(nil), d.hostServers...), nil
}

func (d *fakeDirectory) calls() (servers, projects, lists int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverCalls, d.projectCalls, d.listCalls
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testConfig() Config {
	return Config{
		ListenAddress:     ":9177",
		MetricsPath:       "/metrics",
		LibvirtURI:        "qemu:///system",
		LibvirtTimeout:    time.Second,
		Interval:          time.Millisecond,
		EnumerateAttempts: 3,
		HostName:          "compute-1.example.org",
		LogLevel:          "error",
		LogFormat:         "json",
		Tenant: TenantConfig{
			LookupAttempts:     3,
			LookupTimeout:      time.Second,
			RefreshConcurrency: 2,
			UnresolvedLabel:    "unknown",
		},
	}
}

func newTestCollector(t *testing.T, hv Hypervisor, dir TenantDirectory) (*MetricsCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := CollectorConfig{
		Config:     testConfig(),
		Hypervisor: hv,
		Registerer: reg,
	}
	if dir != nil {
		cfg.Directory = dir
	}
	mc, err := NewMetricsCollector(cfg)
	require.NoError(t, err)
	return mc, reg
}

// gatherSeries flattens the domain series of reg into name{k=v,...} -> value.
func gatherSeries(t *testing.T, reg prometheus.Gatherer) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range mfs {
		name := mf.GetName()
		if !strings.HasPrefix(name, "libvirt_") || strings.HasPrefix(name, selfMetricPrefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			pairs := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(pairs)
			out[name+"{"+strings.Join(pairs, ",")+"}"] = m.GetGauge().GetValue()
		}
	}
	return out
}

func seriesWithLabel(series map[string]float64, label, value string) []string {
	var out []string
	needle := label + "=" + value
	for k := range series {
		inner := k[strings.Index(k, "{")+1 : len(k)-1]
		for _, p := range strings.Split(inner, ",") {
			if p == needle {
				out = append(out, k)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
