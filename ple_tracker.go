package main

// seriesRemover is the part of the registry the tracker needs.
type seriesRemover interface {
	Remove(k SeriesKey) bool
}

type keySet map[SeriesKey]struct{}

type instanceRecord map[MetricGroup]keySet

// SeriesTracker remembers, per instance name and metric group, which series
// were published in the previous cycle so that vanished ones can be retired.
type SeriesTracker struct {
	registry seriesRemover
	records  map[string]instanceRecord
	previous map[string]instanceRecord
}

func NewSeriesTracker(registry seriesRemover) *SeriesTracker {
	return &SeriesTracker{
		registry: registry,
		records:  make(map[string]instanceRecord),
	}
}

// Begin starts a cycle for the given active instances. Every series of a
// tracked instance that is not active is removed from the registry; the
// records of active instances are set aside for Record. It returns the number
// of series removed.
func (t *SeriesTracker) Begin(active []string) int {
	activeSet := make(map[string]struct{}, len(active))
	for _, name := range active {
		activeSet[name] = struct{}{}
	}

	retired := 0
	previous := make(map[string]instanceRecord, len(active))
	for name, rec := range t.records {
		if _, ok := activeSet[name]; ok {
			previous[name] = rec
			continue
		}
		for _, keys := range rec {
			retired += t.removeAll(keys)
		}
	}

	t.previous = previous
	t.records = make(map[string]instanceRecord, len(active))
	return retired
}

// Record stores what one group published for one instance this cycle. When
// the group succeeded, series it published last cycle but not now (a detached
// device) are removed. When it failed, last cycle's series are kept so their
// values stay visible until the instance goes away.
func (t *SeriesTracker) Record(name string, group MetricGroup, published []SeriesKey, ok bool) int {
	prev := t.previous[name][group]

	next := make(keySet, len(published))
	for _, k := range published {
		next[k] = struct{}{}
	}

	retired := 0
	for k := range prev {
		if _, still := next[k]; still {
			continue
		}
		if ok {
			if t.registry.Remove(k) {
				retired++
			}
			continue
		}
		next[k] = struct{}{}
	}
	if rec := t.previous[name]; rec != nil {
		delete(rec, group)
	}

	rec := t.records[name]
	if rec == nil {
		rec = make(instanceRecord, len(metricGroups))
		t.records[name] = rec
	}
	rec[group] = next
	return retired
}

// Finish removes whatever was set aside by Begin and not claimed by Record,
// e.g. an active instance that could not be sampled at all.
func (t *SeriesTracker) Finish() int {
	retired := 0
	for _, rec := range t.previous {
		for _, keys := range rec {
			retired += t.removeAll(keys)
		}
	}
	t.previous = nil
	return retired
}

// Len is the number of series currently tracked.
func (t *SeriesTracker) Len() int {
	n := 0
	for _, rec := range t.records {
		for _, keys := range rec {
			n += len(keys)
		}
	}
	return n
}

// Keys lists the tracked series of one instance.
func (t *SeriesTracker) Keys(name string) []SeriesKey {
	var out []SeriesKey
	for _, keys := range t.records[name] {
		for k := range keys {
			out = append(out, k)
		}
	}
	return out
}

func (t *SeriesTracker) removeAll(keys keySet) int {
	n := 0
	for k := range keys {
		if t.registry.Remove(k) {
			n++
		}
	}
	return n
}
