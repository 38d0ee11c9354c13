package main

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Sub-metric tables
// -----------------------------------------------------------------------------

type blockSubMetric struct {
	name  string
	value func(BlockStats) int64
}

var blockSubMetrics = []blockSubMetric{
	{name: "read_requests_issued", value: func(s BlockStats) int64 { return s.RdReq }},
	{name: "read_bytes", value: func(s BlockStats) int64 { return s.RdBytes }},
	{name: "write_requests_issued", value: func(s BlockStats) int64 { return s.WrReq }},
	{name: "write_bytes", value: func(s BlockStats) int64 { return s.WrBytes }},
	{name: "errors_number", value: func(s BlockStats) int64 { return s.Errs }},
	{name: "writes_total_time", value: func(s BlockStats) int64 { return s.WrTotalTimes }},
	{name: "reads_total_time", value: func(s BlockStats) int64 { return s.RdTotalTimes }},
	{name: "flush_total_times", value: func(s BlockStats) int64 { return s.FlushTotalTimes }},
	{name: "flush_operations", value: func(s BlockStats) int64 { return s.FlushOperations }},
}

type interfaceSubMetric struct {
	name  string
	value func(InterfaceStats) int64
}

var interfaceSubMetrics = []interfaceSubMetric{
	{name: "read_bytes", value: func(s InterfaceStats) int64 { return s.RxBytes }},
	{name: "read_packets", value: func(s InterfaceStats) int64 { return s.RxPackets }},
	{name: "read_errors", value: func(s InterfaceStats) int64 { return s.RxErrs }},
	{name: "read_drops", value: func(s InterfaceStats) int64 { return s.RxDrop }},
	{name: "write_bytes", value: func(s InterfaceStats) int64 { return s.TxBytes }},
	{name: "write_packets", value: func(s InterfaceStats) int64 { return s.TxPackets }},
	{name: "write_errors", value: func(s InterfaceStats) int64 { return s.TxErrs }},
	{name: "write_drops", value: func(s InterfaceStats) int64 { return s.TxDrop }},
}

const cpuUnitSuffix = "_nanosecs"

// -----------------------------------------------------------------------------
// Per-domain pipeline
// -----------------------------------------------------------------------------

// DomainSampler turns one active domain into per-group results.
type DomainSampler struct {
	cache            *TenantCache
	unresolvedLabel  string
	seedFromMetadata bool
}

// Sample collects all four groups. It never fails as a whole: every failure
// is attached to the group it belongs to.
func (p *DomainSampler) Sample(ctx context.Context, dom Domain) []GroupResult {
	name, uuid := dom.Name(), dom.UUID()

	devs, owner, descErr := p.describe(dom)
	if descErr == nil && p.seedFromMetadata && p.cache != nil {
		p.cache.Seed(uuid, owner)
	}
	labels := p.instanceLabels(ctx, name, uuid)

	return []GroupResult{
		runGroup(GroupCPU, func() ([]Sample, error) { return cpuSamples(dom, labels) }),
		runGroup(GroupMemory, func() ([]Sample, error) { return memorySamples(dom, labels) }),
		runGroup(GroupBlock, func() ([]Sample, error) {
			if descErr != nil {
				return nil, descErr
			}
			return blockSamples(dom, labels, devs.Disks)
		}),
		runGroup(GroupInterface, func() ([]Sample, error) {
			if descErr != nil {
				return nil, descErr
			}
			return interfaceSamples(dom, labels, devs.Interfaces)
		}),
	}
}

func (p *DomainSampler) describe(dom Domain) (DomainDevices, DomainOwner, error) {
	desc, err := dom.XMLDesc()
	if err != nil {
		return DomainDevices{}, DomainOwner{}, fmt.Errorf("domain xml: %w", err)
	}
	return parseDomainXML(desc)
}

// instanceLabels resolves tenant data once per instance per cycle so every
// series of the instance carries the same values.
func (p *DomainSampler) instanceLabels(ctx context.Context, name, uuid string) InstanceLabels {
	labels := InstanceLabels{
		Domain:      name,
		UUID:        uuid,
		ProjectID:   p.unresolvedLabel,
		ProjectName: p.unresolvedLabel,
	}
	if p.cache == nil {
		return labels
	}
	if id, ok := p.cache.ResolveTenantID(ctx, uuid); ok {
		labels.ProjectID = id
	}
	if n, ok := p.cache.ResolveTenantName(ctx, uuid); ok {
		labels.ProjectName = n
	}
	return labels
}

func runGroup(group MetricGroup, fn func() ([]Sample, error)) (res GroupResult) {
	res.Group = group
	defer func() {
		if r := recover(); r != nil {
			res.Samples = nil
			res.Err = fmt.Errorf("%s group panicked: %v", group, r)
		}
	}()
	res.Samples, res.Err = fn()
	if res.Err != nil {
		res.Samples = nil
	}
	return res
}

// -----------------------------------------------------------------------------
// Group collectors
// -----------------------------------------------------------------------------

func cpuSamples(dom Domain, labels InstanceLabels) ([]Sample, error) {
	stats, err := dom.CPUStats()
	if err != nil {
		return nil, err
	}
	values := labels.values()
	out := make([]Sample, 0, len(stats))
	for _, s := range stats {
		out = append(out, Sample{
			Name:        cpuMetricPrefix + s.Name + cpuUnitSuffix,
			Help:        "Cumulative domain CPU " + s.Name + " in nanoseconds",
			LabelNames:  baseLabelNames,
			LabelValues: values,
			Value:       s.Value,
		})
	}
	return out, nil
}

func memorySamples(dom Domain, labels InstanceLabels) ([]Sample, error) {
	stats, err := dom.MemoryStats()
	if err != nil {
		return nil, err
	}
	values := labels.values()
	out := make([]Sample, 0, len(stats))
	for _, s := range stats {
		out = append(out, Sample{
			Name:        memMetricPrefix + s.Name,
			Help:        "Domain memory statistic " + s.Name,
			LabelNames:  baseLabelNames,
			LabelValues: values,
			Value:       s.Value,
		})
	}
	return out, nil
}

// blockSamples queries every disk before emitting anything, so one failing
// device skips the whole group.
func blockSamples(dom Domain, labels InstanceLabels, disks []string) ([]Sample, error) {
	stats := make([]BlockStats, len(disks))
	var errs []error
	for i, dev := range disks {
		s, err := dom.BlockStats(dev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stats[i] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	out := make([]Sample, 0, len(blockSubMetrics)*len(disks))
	for _, m := range blockSubMetrics {
		for i, dev := range disks {
			out = append(out, Sample{
				Name:        blockMetricPrefix + m.name,
				Help:        "Domain block device statistic " + m.name,
				LabelNames:  deviceLabelNames,
				LabelValues: labels.deviceValues(dev),
				Value:       float64(m.value(stats[i])),
			})
		}
	}
	return out, nil
}

func interfaceSamples(dom Domain, labels InstanceLabels, ifaces []string) ([]Sample, error) {
	stats := make([]InterfaceStats, len(ifaces))
	var errs []error
	for i, dev := range ifaces {
		s, err := dom.InterfaceStats(dev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stats[i] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	out := make([]Sample, 0, len(interfaceSubMetrics)*len(ifaces))
	for _, m := range interfaceSubMetrics {
		for i, dev := range ifaces {
			out = append(out, Sample{
				Name:        interfaceMetricPrefix + m.name,
				Help:        "Domain network interface statistic " + m.name,
				LabelNames:  deviceLabelNames,
				LabelValues: labels.deviceValues(dev),
				Value:       float64(m.value(stats[i])),
			})
		}
	}
	return out, nil
}
