// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the archiver daemon's bootstrap configuration:
// the multiprocess directory, archive interval, and HTTP listen
// address, decoded from JSON and validated against a fixed schema
// (spec §6 "prometheus_multiproc_dir").
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	cclog "github.com/ClusterCockpit/cc-metrics-multiproc/pkg/log"
)

// Keys holds the process-wide configuration, populated by Init. Other
// packages read it directly, mirroring the teacher's package-level
// Keys-var convention (pkg/metricstore/config.go).
var Keys = Config{
	ArchiveInterval:  "15s",
	ListenAddress:    ":9090",
	BlockingArchive:  true,
	LockWaitOnScrape: true,
}

// Config is the archiver daemon's top-level configuration.
type Config struct {
	// MultiprocDir is the root directory workers write their mmap
	// files into (spec §6 prometheus_multiproc_dir).
	MultiprocDir string `json:"multiproc-dir"`
	// ArchiveInterval is a time.ParseDuration string between archiver runs.
	ArchiveInterval string `json:"archive-interval"`
	// ListenAddress is the host:port the /metrics and /healthz HTTP
	// server binds to.
	ListenAddress string `json:"listen-address"`
	// AggregateOnly disables deletion of dead workers' files on archive,
	// matching ArchiveMetrics(aggregate_only=true) (spec §4.5, §8 scenario 8).
	AggregateOnly bool `json:"aggregate-only"`
	// BlockingArchive controls whether the periodic archiver blocks on
	// lock acquisition or fails fast with LockBusy.
	BlockingArchive bool `json:"blocking-archive"`
	// LockWaitOnScrape controls the same choice for the on-demand
	// disk-collection path.
	LockWaitOnScrape bool `json:"lock-wait-on-scrape"`
	// EnableGops turns on the gops live-debugging agent.
	EnableGops bool `json:"enable-gops"`
}

// schema is the JSON Schema Config must validate against (spec §6:
// ConfigError is fatal at construction time for a missing/invalid
// prometheus_multiproc_dir).
const schema = `{
	"type": "object",
	"properties": {
		"multiproc-dir": { "type": "string", "minLength": 1 },
		"archive-interval": { "type": "string", "minLength": 1 },
		"listen-address": { "type": "string", "minLength": 1 },
		"aggregate-only": { "type": "boolean" },
		"blocking-archive": { "type": "boolean" },
		"lock-wait-on-scrape": { "type": "boolean" },
		"enable-gops": { "type": "boolean" }
	},
	"required": ["multiproc-dir"]
}`

// Validate checks instance against schema, matching the teacher's
// internal/config.Validate (jsonschema.CompileString + Fatalf).
func Validate(instance json.RawMessage) {
	sch, err := jsonschema.CompileString("config-schema.json", schema)
	if err != nil {
		cclog.Fatalf("[CONFIG]> %#v", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		cclog.Fatal(err)
	}

	if err := sch.Validate(v); err != nil {
		cclog.Fatalf("[CONFIG]> %#v", err)
	}
}

// Init decodes raw JSON configuration into Keys, validates it against
// schema, and checks that MultiprocDir exists and is a directory
// (spec §6 ConfigError).
func Init(raw json.RawMessage) {
	Validate(raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		cclog.Fatalf("[CONFIG]> decode: %v", err)
	}

	info, err := os.Stat(Keys.MultiprocDir)
	if err != nil {
		cclog.Fatalf("[CONFIG]> multiproc-dir %q: %v", Keys.MultiprocDir, err)
	}
	if !info.IsDir() {
		cclog.Fatalf("[CONFIG]> multiproc-dir %q is not a directory", Keys.MultiprocDir)
	}
}
