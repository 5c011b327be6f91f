// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package promexposition

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/metrics"
)

type fakeSource struct {
	metrics []metrics.Metric
	err     error
}

func (f fakeSource) Collect() ([]metrics.Metric, error) {
	return f.metrics, f.err
}

func collectAll(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestCollectEmitsOneMetricPerSample(t *testing.T) {
	source := fakeSource{metrics: []metrics.Metric{
		{
			Name: "jobs_total",
			Type: metrics.CounterMetric,
			Samples: []metrics.Sample{
				{Name: "jobs_total", Labels: map[string]string{"queue": "batch"}, Value: 3, Timestamp: metrics.NoTimestamp},
				{Name: "jobs_total", Labels: map[string]string{"queue": "rt"}, Value: 1, Timestamp: metrics.NoTimestamp},
			},
		},
	}}

	collected := collectAll(t, NewCollector(source))
	require.Len(t, collected, 2)

	var pb dto.Metric
	require.NoError(t, collected[0].Write(&pb))
	assert.NotNil(t, pb.Counter)
}

func TestCollectEmitsInvalidMetricOnSourceError(t *testing.T) {
	source := fakeSource{err: errors.New("disk unavailable")}

	collected := collectAll(t, NewCollector(source))
	require.Len(t, collected, 1)

	var pb dto.Metric
	err := collected[0].Write(&pb)
	assert.Error(t, err)
}

func TestDescribeSendsNothing(t *testing.T) {
	ch := make(chan *prometheus.Desc)
	done := make(chan struct{})
	go func() {
		NewCollector(fakeSource{}).Describe(ch)
		close(done)
	}()
	<-done
}
