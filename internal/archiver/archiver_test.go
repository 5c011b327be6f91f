// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package archiver

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/filelayout"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/metrics"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/mmapstore"
)

func writeStore(t *testing.T, path string, values map[string]float64) {
	t.Helper()
	store, err := mmapstore.Open(path, false)
	require.NoError(t, err)
	for key, v := range values {
		require.NoError(t, store.WriteValue(key, v, math.Inf(1)))
	}
	require.NoError(t, store.Close())
}

func findMetric(result []metrics.Metric, name string) (metrics.Metric, bool) {
	for _, m := range result {
		if m.Name == name {
			return m, true
		}
	}
	return metrics.Metric{}, false
}

// MarkProcessDead must be idempotent on absent files (spec §4.5, §9).
func TestMarkProcessDeadIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, MarkProcessDead(dir, 12345))

	key := mmapstore.MakeKey("g", "g", nil, nil)
	writeStore(t, filepath.Join(dir, "gauge_liveall_12345.db"), map[string]float64{key: 1})
	writeStore(t, filepath.Join(dir, "gauge_livesum_12345.db"), map[string]float64{key: 1})

	require.NoError(t, MarkProcessDead(dir, 12345))
	assert.NoFileExists(t, filepath.Join(dir, "gauge_liveall_12345.db"))
	assert.NoFileExists(t, filepath.Join(dir, "gauge_livesum_12345.db"))

	// Second call on already-removed files is still not an error.
	require.NoError(t, MarkProcessDead(dir, 12345))
}

// Scenario 8: aggregate-only archive merges but does not delete the
// live worker file (spec §8).
func TestArchiveMetricsAggregateOnlyDoesNotDeleteLiveFiles(t *testing.T) {
	dir := t.TempDir()
	counterKey := mmapstore.MakeKey("c", "c_total", nil, nil)

	// Use our own pid so the liveness probe considers it alive, then
	// force it into the "dead" path isn't meaningful here: aggregate_only
	// only changes whether ArchiveMetrics deletes dead-pid files, so we
	// instead verify the live file used directly in the scrape merge
	// survives regardless, matching "writers never get deleted by a
	// scrape/aggregate-only pass".
	pid := os.Getpid()
	livePath := filepath.Join(dir, "counter_"+strconv.Itoa(pid)+".db")
	writeStore(t, livePath, map[string]float64{counterKey: 2})

	archivePath := filepath.Join(dir, "counter.db")
	writeStore(t, archivePath, map[string]float64{counterKey: 1})

	coordinator := New(dir)
	require.NoError(t, coordinator.ArchiveMetrics(true, true))

	cached := coordinator.CollectFromCache()
	m, ok := findMetric(cached, "c_total")
	require.True(t, ok)
	require.Len(t, m.Samples, 1)
	assert.Equal(t, 3.0, m.Samples[0].Value)

	assert.FileExists(t, livePath)
}

// Scenario 7: lock contention - a non-blocking archive attempt fails
// fast with ErrLockBusy while a shared lock is held, and releasing that
// shared lock permits the exclusive acquisition (spec §8).
func TestLockContention(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filelayout.LockFilePath(dir), nil, 0o644))

	holder := flock.New(filelayout.LockFilePath(dir))
	ok, err := holder.TryRLock()
	require.NoError(t, err)
	require.True(t, ok)

	coordinator := New(dir)
	err = coordinator.ArchiveMetrics(false, true)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, holder.Unlock())

	// Now the exclusive lock should be acquirable.
	require.NoError(t, coordinator.ArchiveMetrics(false, true))
}

// Scenario 7, other half: while an exclusive lock is held, a
// non-blocking CollectFromDisk call raises ErrLockBusy; releasing the
// exclusive lock permits a subsequent shared acquisition to succeed
// (spec §8).
func TestCollectFromDiskLockContention(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filelayout.LockFilePath(dir), nil, 0o644))

	holder := flock.New(filelayout.LockFilePath(dir))
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	coordinator := New(dir)
	_, err = coordinator.CollectFromDisk(false)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, holder.Unlock())

	// Now the shared lock should be acquirable.
	result, err := coordinator.CollectFromDisk(false)
	require.NoError(t, err)
	assert.Empty(t, result)
}
