// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filelayout encodes the filename grammar that maps a metric
// type (and, for gauges, a multiprocess mode) and an owning pid onto a
// path within the multiprocess directory, and the pure enumeration
// helpers built on top of it (spec §3, §4.3, §6).
package filelayout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	cclog "github.com/ClusterCockpit/cc-metrics-multiproc/pkg/log"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/metrics"
)

// ErrBadName is returned by ClassifyLive when a filename does not
// match the live-worker-file grammar (spec §4.3, §7: never fatal,
// callers skip the file with a warning).
var ErrBadName = fmt.Errorf("filelayout: name does not match live worker file grammar")

// liveFilePattern is the filename grammar for a live worker file:
// `<type>_<pid>.db` or `<type>_<mode>_<pid>.db` (spec §3, §6).
// Matching is anchored on the trailing `_<digits>.db`; the leading
// segment is split on "_" to recover an optional gauge mode.
var liveFilePattern = regexp.MustCompile(`^(\w+)_(\d+)\.db$`)

// Live describes a parsed live worker file.
type Live struct {
	Path string
	Type metrics.MetricType
	Mode metrics.GaugeMode
	// HasMode is true only for gauge files (mode is only meaningful for gauges).
	HasMode bool
	Pid     int
}

// ClassifyLive parses a file's base name into its type, optional gauge
// mode, and pid. Returns ErrBadName if the name does not match the
// live-worker-file grammar (spec §4.3).
func ClassifyLive(path string) (Live, error) {
	base := filepath.Base(path)
	m := liveFilePattern.FindStringSubmatch(base)
	if m == nil {
		return Live{}, fmt.Errorf("%w: %s", ErrBadName, base)
	}

	head := m[1]
	pid, err := strconv.Atoi(m[2])
	if err != nil {
		return Live{}, fmt.Errorf("%w: %s", ErrBadName, base)
	}

	typeToken, modeToken, hasModeToken := splitTypeAndMode(head)
	typ, ok := metrics.ParseMetricType(typeToken)
	if !ok {
		return Live{}, fmt.Errorf("%w: %s", ErrBadName, base)
	}

	result := Live{Path: path, Type: typ, Pid: pid}
	if typ == metrics.GaugeMetric {
		if !hasModeToken {
			return Live{}, fmt.Errorf("%w: gauge file missing mode: %s", ErrBadName, base)
		}
		mode, ok := metrics.ParseGaugeMode(modeToken)
		if !ok {
			return Live{}, fmt.Errorf("%w: unknown gauge mode: %s", ErrBadName, base)
		}
		result.Mode = mode
		result.HasMode = true
	} else if hasModeToken {
		return Live{}, fmt.Errorf("%w: non-gauge file carries a mode segment: %s", ErrBadName, base)
	}

	return result, nil
}

// splitTypeAndMode splits "gauge_liveall" into ("gauge", "liveall", true)
// and "counter" into ("counter", "", false). Metric type tokens never
// contain an underscore, so the first segment is always the type.
func splitTypeAndMode(head string) (typeToken, modeToken string, hasMode bool) {
	for i := 0; i < len(head); i++ {
		if head[i] == '_' {
			return head[:i], head[i+1:], true
		}
	}
	return head, "", false
}

// LiveWorkerFiles returns every file directly under root matching the
// live-worker-file grammar `\w+_\d+\.db` (spec §4.3, §6). Only the
// filename pattern is checked: a name that matches it but that
// ClassifyLive rejects is still returned (ClassifyAllLive drops those).
func LiveWorkerFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("filelayout: read %s: %w", root, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !liveFilePattern.MatchString(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(root, e.Name()))
	}
	return paths, nil
}

// ClassifyAllLive enumerates LiveWorkerFiles and classifies each,
// dropping (not failing on) any entry ClassifyLive rejects.
func ClassifyAllLive(root string) ([]Live, error) {
	paths, err := LiveWorkerFiles(root)
	if err != nil {
		return nil, err
	}

	var live []Live
	for _, p := range paths {
		l, err := ClassifyLive(p)
		if err != nil {
			cclog.Warnf("[FILELAYOUT]> skipping %s: %s", p, err.Error())
			continue
		}
		live = append(live, l)
	}
	return live, nil
}

// ArchiveKey identifies one of the five fixed archive files.
type ArchiveKey struct {
	Type metrics.MetricType
	Mode metrics.GaugeMode
	// HasMode distinguishes "gauge, mode=min" from "counter" (no mode).
	HasMode bool
}

// ArchivePaths returns the five fixed archive paths under root: one
// per non-gauge type, plus one per archivable gauge mode (min, max,
// latest — spec §3).
func ArchivePaths(root string) map[ArchiveKey]string {
	paths := map[ArchiveKey]string{
		{Type: metrics.CounterMetric}:   filepath.Join(root, "counter.db"),
		{Type: metrics.HistogramMetric}: filepath.Join(root, "histogram.db"),
	}
	for _, mode := range []metrics.GaugeMode{metrics.GaugeMin, metrics.GaugeMax, metrics.GaugeLatest} {
		paths[ArchiveKey{Type: metrics.GaugeMetric, Mode: mode, HasMode: true}] =
			filepath.Join(root, fmt.Sprintf("gauge_%s.db", mode))
	}
	return paths
}

// LockFilePath returns the path of the advisory lock file within root
// (spec §3, §4.5).
func LockFilePath(root string) string {
	return filepath.Join(root, "lockfile")
}

// archiveNames maps a base filename to its (type, mode) for the five
// fixed archive files (spec §3).
var archiveNames = map[string]ArchiveKey{
	"counter.db":      {Type: metrics.CounterMetric},
	"histogram.db":    {Type: metrics.HistogramMetric},
	"gauge_min.db":    {Type: metrics.GaugeMetric, Mode: metrics.GaugeMin, HasMode: true},
	"gauge_max.db":    {Type: metrics.GaugeMetric, Mode: metrics.GaugeMax, HasMode: true},
	"gauge_latest.db": {Type: metrics.GaugeMetric, Mode: metrics.GaugeLatest, HasMode: true},
}

// File is the result of classifying a path that may be either a live
// worker file or a fixed archive file (MergeEngine's input set mixes
// both — spec §4.4).
type File struct {
	Path    string
	Type    metrics.MetricType
	Mode    metrics.GaugeMode
	HasMode bool
	Pid     int
	HasPid  bool
}

// Classify parses path as either a live worker file or one of the five
// fixed archive files. Returns ErrBadName if it is neither.
func Classify(path string) (File, error) {
	if key, ok := archiveNames[filepath.Base(path)]; ok {
		return File{Path: path, Type: key.Type, Mode: key.Mode, HasMode: key.HasMode}, nil
	}

	live, err := ClassifyLive(path)
	if err != nil {
		return File{}, err
	}
	return File{Path: path, Type: live.Type, Mode: live.Mode, HasMode: live.HasMode, Pid: live.Pid, HasPid: true}, nil
}

// WorkerFilesForPid returns the exhaustive set of per-pid file paths a
// worker may have created that the archiver folds into per-type
// archives on death: counter, histogram, the three archivable gauge
// modes, and the two live-only gauge modes (spec §4.3). Summary files
// are deliberately excluded: there is no summary archive file (spec
// §3), so a dead worker's summary_<pid>.db is never merged away —
// matching the original source's cleanup_process, which never lists
// summary among the worker paths it aggregates or removes. Paths are
// returned unconditionally; callers check existence.
func WorkerFilesForPid(root string, pid int) []string {
	names := []string{
		fmt.Sprintf("counter_%d.db", pid),
		fmt.Sprintf("histogram_%d.db", pid),
		fmt.Sprintf("gauge_min_%d.db", pid),
		fmt.Sprintf("gauge_max_%d.db", pid),
		fmt.Sprintf("gauge_latest_%d.db", pid),
		fmt.Sprintf("gauge_liveall_%d.db", pid),
		fmt.Sprintf("gauge_livesum_%d.db", pid),
	}

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(root, n)
	}
	return paths
}

// LiveSumAndAllFilesForPid returns the liveall/livesum gauge file paths
// for pid — the exact set MarkProcessDead removes (spec §4.5, §9).
func LiveSumAndAllFilesForPid(root string, pid int) []string {
	return []string{
		filepath.Join(root, fmt.Sprintf("gauge_liveall_%d.db", pid)),
		filepath.Join(root, fmt.Sprintf("gauge_livesum_%d.db", pid)),
	}
}
