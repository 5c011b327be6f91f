// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archiver implements the periodic task that consolidates dead
// workers' mmap files into per-type archives under an exclusive
// advisory lock, and the shared-lock scrape path that merges archives
// with live worker files into a single snapshot (spec §4.5).
package archiver

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/ClusterCockpit/cc-metrics-multiproc/internal/mergeengine"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/filelayout"
	cclog "github.com/ClusterCockpit/cc-metrics-multiproc/pkg/log"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/metrics"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/mmapstore"
)

// ErrLockBusy is returned by a non-blocking lock acquisition that
// finds the lock already held (spec §7).
var ErrLockBusy = errors.New("archiver: lock busy")

// archiveDurationMetric is the self-metric name surfaced by the cached
// snapshot after every archiver run (spec §4.5).
const archiveDurationMetric = "multiproc_archive_duration_seconds"

// MetricsCache is the process-wide cached snapshot produced by the
// last successful archiver run (spec §3, §4.5). The zero value is the
// empty, not-yet-archived state.
type MetricsCache struct {
	mu              sync.Mutex
	metrics         []metrics.Metric
	lastScrapeTime  time.Time
	archiveDuration time.Duration
}

// Snapshot returns the cached metrics as of the last ArchiveMetrics
// run, or an empty list if none has completed yet (spec §4.5
// CollectFromCache).
func (c *MetricsCache) Snapshot() []metrics.Metric {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics == nil {
		return nil
	}
	out := make([]metrics.Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

func (c *MetricsCache) store(result []metrics.Metric, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = result
	c.lastScrapeTime = time.Now()
	c.archiveDuration = duration
}

// Coordinator owns one multiprocess directory's lock file and cached
// snapshot (spec §4.5 ArchiveCoordinator).
type Coordinator struct {
	root  string
	cache MetricsCache
}

// New returns a Coordinator rooted at the multiprocess directory root.
// root must already exist; ConfigError-equivalent validation (spec §6)
// is the caller's responsibility at bootstrap time.
func New(root string) *Coordinator {
	return &Coordinator{root: root}
}

// CollectFromCache returns the coordinator's cached snapshot with no
// disk I/O (spec §4.5).
func (c *Coordinator) CollectFromCache() []metrics.Metric {
	return c.cache.Snapshot()
}

// CollectFromDisk acquires the shared lock, merges every archive and
// live worker file with accumulate=true, and returns the result (spec
// §4.5). Returns ErrLockBusy if blocking is false and the exclusive
// lock is held.
func (c *Coordinator) CollectFromDisk(blocking bool) ([]metrics.Metric, error) {
	lock := flock.New(filelayout.LockFilePath(c.root))
	if err := acquire(lock, false, blocking); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	files, err := c.scrapeFileSet()
	if err != nil {
		return nil, err
	}
	return mergeengine.Merge(files, true)
}

// scrapeFileSet is the union of the five fixed archive files (that
// exist) and every currently live worker file.
func (c *Coordinator) scrapeFileSet() ([]string, error) {
	var files []string
	for _, path := range filelayout.ArchivePaths(c.root) {
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}

	live, err := filelayout.LiveWorkerFiles(c.root)
	if err != nil {
		return nil, err
	}
	files = append(files, live...)
	return files, nil
}

// MarkProcessDead unlinks pid's liveall/livesum gauge files. Idempotent:
// absent files are not an error (spec §4.5, §9).
func MarkProcessDead(root string, pid int) error {
	for _, path := range filelayout.LiveSumAndAllFilesForPid(root, pid) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archiver: mark pid %d dead: %w", pid, err)
		}
	}
	return nil
}

// ArchiveMetrics is the archiver task (spec §4.5):
//  1. partitions live worker files into dead/live by pid liveness,
//  2. under the exclusive lock, folds each dead pid's files into the
//     per-type archives (unless aggregateOnly),
//  3. re-merges archives + live files with accumulate=true into the cache.
func (c *Coordinator) ArchiveMetrics(blocking bool, aggregateOnly bool) error {
	start := time.Now()

	live, err := filelayout.ClassifyAllLive(c.root)
	if err != nil {
		return fmt.Errorf("archiver: enumerate %s: %w", c.root, err)
	}

	deadPids := partitionDeadPids(live)

	lock := flock.New(filelayout.LockFilePath(c.root))
	if err := acquire(lock, true, blocking); err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			cclog.Errorf("[ARCHIVER]> release lock on %s: %v", c.root, err)
		}
	}()

	if !aggregateOnly {
		for _, pid := range deadPids {
			if err := c.cleanupProcess(pid); err != nil {
				return fmt.Errorf("archiver: cleanup pid %d: %w", pid, err)
			}
		}
	}

	files, err := c.scrapeFileSet()
	if err != nil {
		return err
	}
	result, err := mergeengine.Merge(files, true)
	if err != nil {
		return fmt.Errorf("archiver: merge %s: %w", c.root, err)
	}

	duration := time.Since(start)
	result = append(result, selfMetric(duration))
	c.cache.store(result, duration)

	cclog.Debugf("[ARCHIVER]> archived %s in %s (%d dead pids, aggregate_only=%v)",
		c.root, duration, len(deadPids), aggregateOnly)
	return nil
}

// selfMetric reports the archiver's own run time as a gauge-like
// sample in the cached output (spec §4.5 "Self-metrics").
func selfMetric(duration time.Duration) metrics.Metric {
	return metrics.Metric{
		Name: archiveDurationMetric,
		Type: metrics.GaugeMetric,
		Samples: []metrics.Sample{
			{Name: archiveDurationMetric, Labels: map[string]string{}, Value: duration.Seconds(), Timestamp: metrics.NoTimestamp},
		},
	}
}

// cleanupProcess merges pid's worker files together with the existing
// archives (accumulate=false), writes the result into temporary stores,
// renames them into place, then unlinks pid's source files and its
// liveall/livesum gauges (spec §4.5 step 4).
func (c *Coordinator) cleanupProcess(pid int) error {
	pidFiles := existingFiles(filelayout.WorkerFilesForPid(c.root, pid))
	archivePaths := filelayout.ArchivePaths(c.root)

	var inputs []string
	inputs = append(inputs, pidFiles...)
	for _, path := range archivePaths {
		if _, err := os.Stat(path); err == nil {
			inputs = append(inputs, path)
		}
	}

	merged, err := mergeengine.Merge(inputs, false)
	if err != nil {
		return err
	}

	if err := writeArchives(c.root, merged); err != nil {
		return err
	}

	for _, path := range pidFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archiver: remove %s: %w", path, err)
		}
	}
	return MarkProcessDead(c.root, pid)
}

// writeArchives encodes merged into fresh per-type archive stores,
// built in temp files and atomically renamed into place so a crash
// mid-write never corrupts the previous archive (spec §4.5 step 4).
func writeArchives(root string, merged []metrics.Metric) error {
	grouped := groupByArchiveKey(merged)

	for key, path := range filelayout.ArchivePaths(root) {
		group, ok := grouped[key]
		if !ok {
			continue
		}

		tmpPath := path + ".tmp"
		os.Remove(tmpPath)
		store, err := mmapstore.Open(tmpPath, false)
		if err != nil {
			return fmt.Errorf("archiver: create %s: %w", tmpPath, err)
		}

		var writeErr error
		for _, m := range group.Samples {
			names, values := labelNamesAndValues(m.Labels)
			diskKey := mmapstore.MakeKey(group.metricName, m.Name, names, values)
			timestamp := m.Timestamp
			if !m.HasTimestamp() {
				timestamp = posInf()
			}
			if err := store.WriteValue(diskKey, m.Value, timestamp); err != nil {
				writeErr = err
				break
			}
		}
		store.Close()
		if writeErr != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("archiver: write %s: %w", tmpPath, writeErr)
		}

		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("archiver: rename %s -> %s: %w", tmpPath, path, err)
		}
	}
	return nil
}

type archiveGroup struct {
	metricName string
	Samples    []metrics.Sample
}

func groupByArchiveKey(merged []metrics.Metric) map[filelayout.ArchiveKey]archiveGroup {
	out := map[filelayout.ArchiveKey]archiveGroup{}
	for _, m := range merged {
		key := filelayout.ArchiveKey{Type: m.Type, Mode: m.MultiprocessMode, HasMode: m.HasMode}
		if m.Type == metrics.GaugeMetric && !m.MultiprocessMode.Archived() {
			continue
		}
		out[key] = archiveGroup{metricName: m.Name, Samples: m.Samples}
	}
	return out
}

// labelNamesAndValues returns labels' keys sorted, and the matching
// values in the same order, ready for KeyCodec.MakeKey.
func labelNamesAndValues(labels map[string]string) (names, values []string) {
	names = make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	values = make([]string, len(names))
	for i, k := range names {
		values[i] = labels[k]
	}
	return names, values
}

func posInf() float64 {
	return math.Inf(1)
}

// partitionDeadPids returns the sorted, de-duplicated set of pids among
// live-classified files whose process is no longer alive (spec §4.5
// step 1-2).
func partitionDeadPids(live []filelayout.Live) []int {
	seen := map[int]bool{}
	var dead []int
	for _, l := range live {
		if seen[l.Pid] {
			continue
		}
		seen[l.Pid] = true
		if !isAlive(l.Pid) {
			dead = append(dead, l.Pid)
		}
	}
	sort.Ints(dead)
	return dead
}

// isAlive probes pid liveness by sending signal 0: delivery is
// suppressed but existence/permission errors are still reported, so
// the absence of an error means the process exists (spec §4.5).
func isAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// acquire takes the exclusive or shared advisory lock on lock,
// returning ErrLockBusy immediately in non-blocking mode (spec §4.5,
// §7).
func acquire(lock *flock.Flock, exclusive bool, blocking bool) error {
	var ok bool
	var err error

	switch {
	case exclusive && blocking:
		err = lock.Lock()
		ok = err == nil
	case exclusive && !blocking:
		ok, err = lock.TryLock()
	case !exclusive && blocking:
		err = lock.RLock()
		ok = err == nil
	default:
		ok, err = lock.TryRLock()
	}

	if err != nil {
		return fmt.Errorf("archiver: acquire lock: %w", err)
	}
	if !ok {
		return ErrLockBusy
	}
	return nil
}

func existingFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
