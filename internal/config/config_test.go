// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemaCompiles(t *testing.T) {
	if _, err := jsonschema.CompileString("config-schema.json", schema); err != nil {
		t.Fatalf("schema does not compile: %v", err)
	}
}

func TestSchemaAcceptsMinimalDocument(t *testing.T) {
	sch, err := jsonschema.CompileString("config-schema.json", schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	var v any
	doc := json.RawMessage(`{"multiproc-dir": "/tmp"}`)
	if err := json.Unmarshal(doc, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		t.Fatalf("expected valid document, got: %v", err)
	}
}

func TestSchemaRejectsMissingMultiprocDir(t *testing.T) {
	sch, err := jsonschema.CompileString("config-schema.json", schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	var v any
	doc := json.RawMessage(`{"archive-interval": "10s"}`)
	if err := json.Unmarshal(doc, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := sch.Validate(v); err == nil {
		t.Fatalf("expected validation error for missing multiproc-dir")
	}
}
