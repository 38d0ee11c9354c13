package main

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Hypervisor boundary
// -----------------------------------------------------------------------------

// Hypervisor opens a fresh connection per collection cycle.
type Hypervisor interface {
	Open(ctx context.Context) (HypervisorConn, error)
}

type HypervisorConn interface {
	ListActiveDomainIDs() ([]int32, error)
	LookupDomain(id int32) (Domain, error)
	Close() error
}

// Domain is a handle owned by the connection that produced it; it must not
// be used after the connection is closed.
type Domain interface {
	Name() string
	UUID() string
	IsActive() (bool, error)
	XMLDesc() (string, error)
	CPUStats() ([]NamedValue, error)
	MemoryStats() ([]NamedValue, error)
	BlockStats(dev string) (BlockStats, error)
	InterfaceStats(dev string) (InterfaceStats, error)
}

type NamedValue struct {
	Name  string
	Value float64
}

type BlockStats struct {
	RdReq           int64
	RdBytes         int64
	WrReq           int64
	WrBytes         int64
	Errs            int64
	WrTotalTimes    int64
	RdTotalTimes    int64
	FlushTotalTimes int64
	FlushOperations int64
}

type InterfaceStats struct {
	RxBytes   int64
	RxPackets int64
	RxErrs    int64
	RxDrop    int64
	TxBytes   int64
	TxPackets int64
	TxErrs    int64
	TxDrop    int64
}

// -----------------------------------------------------------------------------
// go-libvirt implementation
// -----------------------------------------------------------------------------

// memoryStatNames is indexed by the virDomainMemoryStatTags value.
var memoryStatNames = [...]string{
	"swap_in",
	"swap_out",
	"major_fault",
	"minor_fault",
	"unused",
	"available",
	"actual",
	"rss",
	"usable",
	"last_update",
	"disk_caches",
	"hugetlb_pgalloc",
	"hugetlb_pgfail",
}

const memoryStatNr = uint32(len(memoryStatNames))

var cpuStatFields = []string{"cpu_time", "user_time", "system_time"}

type libvirtHypervisor struct {
	uri     string
	timeout time.Duration
}

func NewLibvirtHypervisor(uri string, timeout time.Duration) (Hypervisor, error) {
	if _, err := libvirtSocketPathFromURI(uri); err != nil {
		return nil, err
	}
	return &libvirtHypervisor{uri: uri, timeout: timeout}, nil
}

func (h *libvirtHypervisor) Open(ctx context.Context) (HypervisorConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sockPath, err := libvirtSocketPathFromURI(h.uri)
	if err != nil {
		return nil, err
	}

	dialer := dialers.NewLocal(dialers.WithSocket(sockPath), dialers.WithLocalTimeout(h.timeout))
	l := libvirt.NewWithDialer(dialer)
	if err := l.ConnectToURI(libvirtDriverFromURI(h.uri)); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt rpc at %s: %w", sockPath, err)
	}
	logLibvirt.Debug("libvirt_connected", "uri", h.uri, "socket", sockPath)
	return &libvirtConn{l: l}, nil
}

type libvirtConn struct {
	l *libvirt.Libvirt
}

func (c *libvirtConn) ListActiveDomainIDs() ([]int32, error) {
	n, err := c.l.ConnectNumOfDomains()
	if err != nil {
		return nil, fmt.Errorf("count domains: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}
	ids, err := c.l.ConnectListDomains(n)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return ids, nil
}

func (c *libvirtConn) LookupDomain(id int32) (Domain, error) {
	dom, err := c.l.DomainLookupByID(id)
	if err != nil {
		return nil, fmt.Errorf("lookup domain %d: %w", id, err)
	}
	return &libvirtDomain{l: c.l, dom: dom}, nil
}

func (c *libvirtConn) Close() error {
	return c.l.Disconnect()
}

type libvirtDomain struct {
	l   *libvirt.Libvirt
	dom libvirt.Domain
}

func (d *libvirtDomain) Name() string { return d.dom.Name }

func (d *libvirtDomain) UUID() string { return uuid.UUID(d.dom.UUID).String() }

func (d *libvirtDomain) IsActive() (bool, error) {
	active, err := d.l.DomainIsActive(d.dom)
	if err != nil {
		return false, err
	}
	return active == 1, nil
}

func (d *libvirtDomain) XMLDesc() (string, error) {
	return d.l.DomainGetXMLDesc(d.dom, 0)
}

// CPUStats returns the domain-wide totals (start cpu -1, one entry).
func (d *libvirtDomain) CPUStats() ([]NamedValue, error) {
	_, n, err := d.l.DomainGetCPUStats(d.dom, 0, -1, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("cpu stats count: %w", err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("cpu stats: no parameters")
	}
	params, _, err := d.l.DomainGetCPUStats(d.dom, uint32(n), -1, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("cpu stats: %w", err)
	}

	values := parseTypedParams(params)
	out := make([]NamedValue, 0, len(cpuStatFields))
	for _, f := range cpuStatFields {
		if v, ok := values[f]; ok {
			out = append(out, NamedValue{Name: f, Value: v})
		}
	}
	return out, nil
}

func (d *libvirtDomain) MemoryStats() ([]NamedValue, error) {
	stats, err := d.l.DomainMemoryStats(d.dom, memoryStatNr, 0)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	out := make([]NamedValue, 0, len(stats))
	for _, s := range stats {
		if s.Tag < 0 || int(s.Tag) >= len(memoryStatNames) {
			continue
		}
		out = append(out, NamedValue{Name: memoryStatNames[s.Tag], Value: float64(s.Val)})
	}
	return out, nil
}

func (d *libvirtDomain) BlockStats(dev string) (BlockStats, error) {
	var bs BlockStats
	var err error
	bs.RdReq, bs.RdBytes, bs.WrReq, bs.WrBytes, bs.Errs, err = d.l.DomainBlockStats(d.dom, dev)
	if err != nil {
		return BlockStats{}, fmt.Errorf("block stats %s: %w", dev, err)
	}

	_, n, err := d.l.DomainBlockStatsFlags(d.dom, dev, 0, 0)
	if err != nil {
		return BlockStats{}, fmt.Errorf("block stats flags count %s: %w", dev, err)
	}
	params, _, err := d.l.DomainBlockStatsFlags(d.dom, dev, n, 0)
	if err != nil {
		return BlockStats{}, fmt.Errorf("block stats flags %s: %w", dev, err)
	}
	ext := parseTypedParams(params)
	for field, dst := range map[string]*int64{
		"wr_total_times":    &bs.WrTotalTimes,
		"rd_total_times":    &bs.RdTotalTimes,
		"flush_total_times": &bs.FlushTotalTimes,
		"flush_operations":  &bs.FlushOperations,
	} {
		v, ok := ext[field]
		if !ok {
			return BlockStats{}, fmt.Errorf("block stats flags %s: missing %s", dev, field)
		}
		*dst = int64(v)
	}
	return bs, nil
}

func (d *libvirtDomain) InterfaceStats(dev string) (InterfaceStats, error) {
	var s InterfaceStats
	var err error
	s.RxBytes, s.RxPackets, s.RxErrs, s.RxDrop, s.TxBytes, s.TxPackets, s.TxErrs, s.TxDrop, err = d.l.DomainInterfaceStats(d.dom, dev)
	if err != nil {
		return InterfaceStats{}, fmt.Errorf("interface stats %s: %w", dev, err)
	}
	return s, nil
}
