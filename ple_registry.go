package main

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrLabelSchemaMismatch = errors.New("label schema mismatch")

// MetricRegistry creates gauge vectors on first use and keeps their label
// schema fixed for the life of the process.
type MetricRegistry struct {
	mu     sync.Mutex
	reg    prometheus.Registerer
	gauges map[string]*GaugeHandle
}

type GaugeHandle struct {
	name       string
	labelNames []string
	vec        *prometheus.GaugeVec
}

func NewMetricRegistry(reg prometheus.Registerer) *MetricRegistry {
	return &MetricRegistry{
		reg:    reg,
		gauges: make(map[string]*GaugeHandle),
	}
}

// GetOrCreateGauge returns the gauge called name, registering it on first use.
// Asking again with different label names fails with ErrLabelSchemaMismatch.
func (r *MetricRegistry) GetOrCreateGauge(name, help string, labelNames []string) (*GaugeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.gauges[name]; ok {
		if !slices.Equal(h.labelNames, labelNames) {
			return nil, fmt.Errorf("%w: %s has %v, got %v", ErrLabelSchemaMismatch, name, h.labelNames, labelNames)
		}
		return h, nil
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	if err := r.reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return nil, fmt.Errorf("register %s: existing collector is %T", name, are.ExistingCollector)
		}
		vec = existing
	}

	h := &GaugeHandle{name: name, labelNames: slices.Clone(labelNames), vec: vec}
	r.gauges[name] = h
	return h, nil
}

func (h *GaugeHandle) Set(labelValues []string, v float64) error {
	g, err := h.vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("set %s: %w", h.name, err)
	}
	g.Set(v)
	return nil
}

// Remove deletes one label combination; it reports whether it was present.
func (h *GaugeHandle) Remove(labelValues []string) bool {
	return h.vec.DeleteLabelValues(labelValues...)
}

// Publish writes one sample and returns its series key.
func (r *MetricRegistry) Publish(s Sample) (SeriesKey, error) {
	h, err := r.GetOrCreateGauge(s.Name, s.Help, s.LabelNames)
	if err != nil {
		return SeriesKey{}, err
	}
	if err := h.Set(s.LabelValues, s.Value); err != nil {
		return SeriesKey{}, err
	}
	return newSeriesKey(s.Name, s.LabelValues), nil
}

// Remove retires one series. Unknown metric names are ignored.
func (r *MetricRegistry) Remove(k SeriesKey) bool {
	r.mu.Lock()
	h, ok := r.gauges[k.Name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return h.Remove(k.Values())
}
