// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package promexposition adapts the archiver's Metric/Sample value
// objects onto prometheus.Collector, the exposition surface that spec
// §1 calls out as an external collaborator out of this module's core
// scope. It is the thin bridge that makes the core usable behind
// promhttp.Handler.
package promexposition

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ClusterCockpit/cc-metrics-multiproc/internal/archiver"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/metrics"
)

// Source is whatever the collector pulls Metric snapshots from —
// satisfied by *archiver.Coordinator's CollectFromCache (InMemoryCollector)
// and CollectFromDisk (MultiProcessCollector), per spec §4.5.
type Source interface {
	Collect() ([]metrics.Metric, error)
}

// CacheSource adapts (*archiver.Coordinator).CollectFromCache, which
// never fails, to the Source interface (spec §4.5 InMemoryCollector).
type CacheSource struct {
	Coordinator *archiver.Coordinator
}

func (s CacheSource) Collect() ([]metrics.Metric, error) {
	return s.Coordinator.CollectFromCache(), nil
}

// DiskSource adapts (*archiver.Coordinator).CollectFromDisk (spec §4.5
// MultiProcessCollector).
type DiskSource struct {
	Coordinator *archiver.Coordinator
	Blocking    bool
}

func (s DiskSource) Collect() ([]metrics.Metric, error) {
	return s.Coordinator.CollectFromDisk(s.Blocking)
}

// Collector implements prometheus.Collector over a Source, turning
// each Metric/Sample pair into the matching prometheus metric family
// on every scrape.
type Collector struct {
	source Source
}

// NewCollector wraps source as a prometheus.Collector.
func NewCollector(source Source) *Collector {
	return &Collector{source: source}
}

var _ prometheus.Collector = (*Collector)(nil)

// Describe sends no descriptors, signalling an unchecked collector:
// the metric set is dynamic (pids and label sets vary at runtime),
// which is exactly the shape client_golang calls "unchecked metric".
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

// Collect pulls a snapshot from Source and emits every resulting sample
// as a const prometheus metric, labels and all: counter-typed for
// counters, gauge-typed for every other metric type.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot, err := c.source.Collect()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(
			prometheus.NewDesc("multiproc_collect_error", "error collecting multiprocess metrics", nil, nil), err)
		return
	}

	for _, m := range snapshot {
		for _, s := range m.Samples {
			labelNames := make([]string, 0, len(s.Labels))
			labelValues := make([]string, 0, len(s.Labels))
			for k, v := range s.Labels {
				labelNames = append(labelNames, k)
				labelValues = append(labelValues, v)
			}

			desc := prometheus.NewDesc(s.Name, metricHelp(m), labelNames, nil)
			metric, err := prometheus.NewConstMetric(desc, valueType(m.Type), s.Value, labelValues...)
			if err != nil {
				continue
			}
			ch <- metric
		}
	}
}

func metricHelp(m metrics.Metric) string {
	return "multiprocess-aggregated " + m.Type.String() + " " + m.Name
}

func valueType(t metrics.MetricType) prometheus.ValueType {
	switch t {
	case metrics.CounterMetric:
		return prometheus.CounterValue
	default:
		return prometheus.GaugeValue
	}
}
