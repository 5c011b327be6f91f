// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mmapstore

import (
	"encoding/json"
	"fmt"
)

// MakeKey builds the canonical on-disk key for a (metric, sample, labels)
// triple (spec §4.2). The wire form is a JSON array of
// [metric_name, sample_name, {labels}], matching the Python reference
// implementation's `mmap_key` (original_source/prometheus_client/mmap_dict.py)
// byte for byte up to whitespace: encoding/json already serializes map
// keys in sorted order, which is the only thing that needs to be
// deterministic for two logically-equal triples to produce identical keys.
func MakeKey(metricName, sampleName string, labelNames, labelValues []string) string {
	labels := make(map[string]string, len(labelNames))
	for i, name := range labelNames {
		labels[name] = labelValues[i]
	}

	// encoding/json.Marshal never fails for a []any of strings/map[string]string.
	b, _ := json.Marshal([]any{metricName, sampleName, labels})
	return string(b)
}

// ParseKey is the inverse of MakeKey.
func ParseKey(key string) (metricName, sampleName string, labels map[string]string, err error) {
	var triple [3]json.RawMessage
	if err := json.Unmarshal([]byte(key), &triple); err != nil {
		return "", "", nil, fmt.Errorf("mmapstore: malformed key %q: %w", key, err)
	}

	if err := json.Unmarshal(triple[0], &metricName); err != nil {
		return "", "", nil, fmt.Errorf("mmapstore: malformed key %q: %w", key, err)
	}
	if err := json.Unmarshal(triple[1], &sampleName); err != nil {
		return "", "", nil, fmt.Errorf("mmapstore: malformed key %q: %w", key, err)
	}
	labels = map[string]string{}
	if err := json.Unmarshal(triple[2], &labels); err != nil {
		return "", "", nil, fmt.Errorf("mmapstore: malformed key %q: %w", key, err)
	}

	return metricName, sampleName, labels, nil
}
