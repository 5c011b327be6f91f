// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mergeengine folds a set of MmapStore files into the
// Prometheus data model, applying the per-metric-type aggregation
// rules (spec §4.4): counter/summary sum, gauge min/max/latest/all/
// liveall/livesum, and histogram bucket accumulation.
package mergeengine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/filelayout"
	cclog "github.com/ClusterCockpit/cc-metrics-multiproc/pkg/log"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/metrics"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/mmapstore"
)

// ErrMissingFile is returned when a file in the input set cannot be
// opened and is not a livesum/liveall gauge file, which are the only
// files tolerated as missing (a race with MarkProcessDead — spec
// §4.4, §7).
var ErrMissingFile = errors.New("mergeengine: missing file")

const pidLabel = "pid"

// Merge reads every file in files, folds their samples into a
// per-metric-name accumulator, and returns the aggregated Metric list
// (spec §4.4). Every file is opened read-only.
func Merge(files []string, accumulate bool) ([]metrics.Metric, error) {
	byName := map[string]*metrics.Metric{}

	for _, path := range files {
		classified, err := filelayout.Classify(path)
		if err != nil {
			// BadName is never fatal to the caller (spec §7); a file
			// in the caller's own enumerated set that doesn't parse
			// indicates a filename this engine doesn't know — skip it,
			// with a warning since BadName must never pass silently.
			cclog.Warnf("[MERGEENGINE]> skipping %s: %s", path, err.Error())
			continue
		}

		if err := readFileInto(byName, classified); err != nil {
			if errors.Is(err, ErrMissingFile) {
				if tolerateMissing(classified) {
					continue
				}
			}
			return nil, err
		}
	}

	result := make([]metrics.Metric, 0, len(byName))
	for _, m := range byName {
		aggregate(m, accumulate)
		result = append(result, *m)
	}
	return result, nil
}

// tolerateMissing reports whether a missing file is allowed to vanish
// out from under the merge — only gauge livesum/liveall worker files,
// which a racing MarkProcessDead may have just unlinked (spec §4.4, §7).
func tolerateMissing(f filelayout.File) bool {
	return f.HasPid && f.Type == metrics.GaugeMetric && f.HasMode &&
		(f.Mode == metrics.GaugeLiveSum || f.Mode == metrics.GaugeLiveAll)
}

// readFileInto opens f, decodes every (key, value, timestamp) triple,
// and appends each as a Sample onto the matching Metric accumulator in
// byName, injecting a "pid" label for live worker files (spec §4.4
// steps 1-4).
func readFileInto(byName map[string]*metrics.Metric, f filelayout.File) error {
	store, err := mmapstore.Open(f.Path, true)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingFile, f.Path)
		}
		return fmt.Errorf("mergeengine: open %s: %w", f.Path, err)
	}
	defer store.Close()

	entries, err := store.ReadAllValues()
	if err != nil {
		return fmt.Errorf("mergeengine: %s: %w", f.Path, err)
	}

	metric := byName[metricKeyFor(f)]
	if metric == nil {
		// Name is filled in once the first sample is parsed below
		// (see fillMetricName): KeyCodec only gives us sample_name at
		// this point, and histogram sample names carry a _bucket/_sum/
		// _count suffix the metric name itself doesn't have.
		metric = &metrics.Metric{
			Type:             f.Type,
			MultiprocessMode: f.Mode,
			HasMode:          f.HasMode,
		}
		byName[metricKeyFor(f)] = metric
	}

	for _, e := range entries {
		_, sampleName, labels, err := mmapstore.ParseKey(e.Key)
		if err != nil {
			return fmt.Errorf("mergeengine: %s: %w", f.Path, err)
		}

		// Only gauges key on pid (spec §4.4: "pid is not part of
		// the key" for counters/summaries, even though their live
		// files also carry a pid suffix on disk).
		if f.HasPid && f.Type == metrics.GaugeMetric {
			labels[pidLabel] = strconv.Itoa(f.Pid)
		}

		timestamp := metrics.NoTimestamp
		if e.HasTimestamp {
			timestamp = e.Timestamp
		}

		metric.Samples = append(metric.Samples, metrics.Sample{
			Name:      sampleName,
			Labels:    labels,
			Value:     e.Value,
			Timestamp: timestamp,
		})
	}

	return nil
}

// metricKeyFor groups accumulators by (type, mode) as well as name: a
// gauge written under two different modes is a configuration error
// upstream, but distinguishing here keeps Merge total rather than
// panicking on mixed input.
func metricKeyFor(f filelayout.File) string {
	if f.HasMode {
		return fmt.Sprintf("%d:%s", f.Type, f.Mode)
	}
	return fmt.Sprintf("%d", f.Type)
}

// aggregate applies the post-pass aggregation rule for m.Type (and,
// for gauges, m.MultiprocessMode) in place (spec §4.4).
func aggregate(m *metrics.Metric, accumulate bool) {
	fillMetricName(m)

	switch m.Type {
	case metrics.GaugeMetric:
		aggregateGauge(m)
	case metrics.HistogramMetric:
		aggregateHistogram(m, accumulate)
	case metrics.CounterMetric, metrics.SummaryMetric:
		aggregateSum(m)
	}
}

// fillMetricName sets m.Name from the first sample, since readFileInto
// can't know the metric name before parsing at least one key.
func fillMetricName(m *metrics.Metric) {
	if m.Name != "" || len(m.Samples) == 0 {
		return
	}
	// sample.Name is "<metric>" or "<metric>_bucket"/"_sum"/"_count" for
	// histograms; for counter/gauge/summary it already equals the
	// metric name. The caller (KeyCodec) encodes metric_name separately
	// from sample_name, but Merge only sees the decoded pair — recover
	// the metric name by stripping known histogram suffixes.
	name := m.Samples[0].Name
	switch m.Type {
	case metrics.HistogramMetric:
		for _, suffix := range []string{"_bucket", "_sum", "_count"} {
			if trimmed, ok := trimSuffix(name, suffix); ok {
				m.Name = trimmed
				return
			}
		}
		m.Name = name
	default:
		m.Name = name
	}
}

func trimSuffix(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return "", false
}

// groupKey is a stable key for grouping samples by labels (order
// independent): labels are rendered sorted-by-name.
func groupKey(name string, labels map[string]string, omit ...string) string {
	skip := map[string]bool{}
	for _, k := range omit {
		skip[k] = true
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += "\x00" + k + "=" + labels[k]
	}
	return key
}

func withoutLabel(labels map[string]string, omit string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if k != omit {
			out[k] = v
		}
	}
	return out
}

// aggregateSum sums sample values grouped by (sample_name, labels) —
// used for counters and summaries, which never carry pid in their key
// (spec §4.4: "pid is not part of the key").
func aggregateSum(m *metrics.Metric) {
	type bucket struct {
		sample metrics.Sample
	}
	groups := map[string]*bucket{}
	var order []string

	for _, s := range m.Samples {
		key := groupKey(s.Name, s.Labels)
		b, ok := groups[key]
		if !ok {
			b = &bucket{sample: metrics.Sample{Name: s.Name, Labels: s.Labels, Timestamp: metrics.NoTimestamp}}
			groups[key] = b
			order = append(order, key)
		}
		b.sample.Value += s.Value
	}

	m.Samples = m.Samples[:0]
	for _, key := range order {
		m.Samples = append(m.Samples, groups[key].sample)
	}
}

// aggregateGauge dispatches to the aggregation rule for m's
// multiprocess mode (spec §4.4).
func aggregateGauge(m *metrics.Metric) {
	switch m.MultiprocessMode {
	case metrics.GaugeAll, metrics.GaugeLiveAll:
		// emitted unchanged, pid retained as a label.
		return
	case metrics.GaugeMin:
		aggregateGaugeReduce(m, func(a, b float64) float64 { return math.Min(a, b) })
	case metrics.GaugeMax:
		aggregateGaugeReduce(m, func(a, b float64) float64 { return math.Max(a, b) })
	case metrics.GaugeLiveSum:
		aggregateGaugeReduce(m, func(a, b float64) float64 { return a + b })
	case metrics.GaugeLatest:
		aggregateGaugeLatest(m)
	}
}

// aggregateGaugeReduce groups samples by (sample_name, labels \ pid)
// and folds the group's values with reduce, in encounter order.
func aggregateGaugeReduce(m *metrics.Metric, reduce func(a, b float64) float64) {
	type acc struct {
		sample metrics.Sample
		seen   bool
	}
	groups := map[string]*acc{}
	var order []string

	for _, s := range m.Samples {
		labels := withoutLabel(s.Labels, pidLabel)
		key := groupKey(s.Name, labels)
		a, ok := groups[key]
		if !ok {
			a = &acc{sample: metrics.Sample{Name: s.Name, Labels: labels, Value: s.Value, Timestamp: metrics.NoTimestamp}}
			groups[key] = a
			order = append(order, key)
			continue
		}
		a.sample.Value = reduce(a.sample.Value, s.Value)
	}

	m.Samples = m.Samples[:0]
	for _, key := range order {
		m.Samples = append(m.Samples, groups[key].sample)
	}
}

// aggregateGaugeLatest groups samples by (sample_name, labels \ pid)
// and keeps the sample with the largest timestamp in each group.
//
// Tie-break: last-written-wins by record order within a contributing
// file, and by ascending pid across files — the input sample order
// already reflects that, since Merge appends samples in the order
// files are opened (filelayout enumerates live worker paths in
// lexicographic filename order, which is ascending pid only among pids
// with the same number of digits) and within a file in
// on-disk record order. A later sample in m.Samples with an
// equal-or-greater timestamp therefore always displaces the running
// pick (spec §4.4, §9 open question).
func aggregateGaugeLatest(m *metrics.Metric) {
	type acc struct {
		sample    metrics.Sample
		timestamp float64
	}
	groups := map[string]*acc{}
	var order []string

	for _, s := range m.Samples {
		labels := withoutLabel(s.Labels, pidLabel)
		key := groupKey(s.Name, labels)
		ts := s.Timestamp
		if !s.HasTimestamp() {
			ts = math.Inf(-1)
		}

		a, ok := groups[key]
		if !ok {
			groups[key] = &acc{sample: metrics.Sample{Name: s.Name, Labels: labels, Value: s.Value, Timestamp: s.Timestamp}, timestamp: ts}
			order = append(order, key)
			continue
		}
		if ts >= a.timestamp {
			a.sample = metrics.Sample{Name: s.Name, Labels: labels, Value: s.Value, Timestamp: s.Timestamp}
			a.timestamp = ts
		}
	}

	m.Samples = m.Samples[:0]
	for _, key := range order {
		m.Samples = append(m.Samples, groups[key].sample)
	}
}

// aggregateHistogram sums bucket samples by (labels \ le), sums
// _sum/_count samples normally, then emits sorted, optionally
// prefix-summed buckets (spec §4.4).
func aggregateHistogram(m *metrics.Metric, accumulate bool) {
	type bucketGroup struct {
		labels  map[string]string
		buckets map[float64]float64
		order   []float64
	}
	buckets := map[string]*bucketGroup{}
	var bucketOrder []string

	type plainGroup struct {
		sample metrics.Sample
	}
	sums := map[string]*plainGroup{}
	var sumOrder []string

	for _, s := range m.Samples {
		le, isBucket := s.Labels["le"]
		if !isBucket {
			key := groupKey(s.Name, s.Labels)
			g, ok := sums[key]
			if !ok {
				g = &plainGroup{sample: metrics.Sample{Name: s.Name, Labels: s.Labels, Timestamp: metrics.NoTimestamp}}
				sums[key] = g
				sumOrder = append(sumOrder, key)
			}
			g.sample.Value += s.Value
			continue
		}

		bound, err := strconv.ParseFloat(le, 64)
		if err != nil {
			continue
		}
		labels := withoutLabel(s.Labels, "le")
		key := groupKey(s.Name, labels)
		g, ok := buckets[key]
		if !ok {
			g = &bucketGroup{labels: labels, buckets: map[float64]float64{}}
			buckets[key] = g
			bucketOrder = append(bucketOrder, key)
		}
		if _, seen := g.buckets[bound]; !seen {
			g.order = append(g.order, bound)
		}
		g.buckets[bound] += s.Value
	}

	m.Samples = m.Samples[:0]

	for _, key := range bucketOrder {
		g := buckets[key]
		sort.Float64s(g.order)

		var running float64
		for _, bound := range g.order {
			value := g.buckets[bound]
			if accumulate {
				running += value
				value = running
			}
			labels := withLabel(g.labels, "le", formatBucketBound(bound))
			m.Samples = append(m.Samples, metrics.Sample{
				Name:      m.Name + "_bucket",
				Labels:    labels,
				Value:     value,
				Timestamp: metrics.NoTimestamp,
			})
		}
		if accumulate && len(g.order) > 0 {
			m.Samples = append(m.Samples, metrics.Sample{
				Name:      m.Name + "_count",
				Labels:    g.labels,
				Value:     running,
				Timestamp: metrics.NoTimestamp,
			})
		}
	}

	for _, key := range sumOrder {
		m.Samples = append(m.Samples, sums[key].sample)
	}
}

func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

// formatBucketBound renders a histogram bucket upper bound the same
// way writers format it in the "le" label when creating the sample key
// (spec §4.4): "+Inf" for positive infinity, otherwise the shortest
// round-trippable decimal with at least one fractional digit (so "1"
// renders as "1.0", matching Go's float formatting convention used
// throughout this codebase's metric labels).
func formatBucketBound(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	for _, c := range s {
		if c == '.' {
			return s
		}
	}
	return s + ".0"
}
