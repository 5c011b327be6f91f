// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mmapstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeKeyIsOrderIndependent(t *testing.T) {
	a := MakeKey("http_requests", "http_requests_total", []string{"method", "path"}, []string{"GET", "/"})
	b := MakeKey("http_requests", "http_requests_total", []string{"path", "method"}, []string{"/", "GET"})
	assert.Equal(t, a, b)
}

func TestKeyRoundTrip(t *testing.T) {
	key := MakeKey("h", "h_bucket", []string{"le", "path"}, []string{"1.0", "/x"})

	metricName, sampleName, labels, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "h", metricName)
	assert.Equal(t, "h_bucket", sampleName)
	assert.Equal(t, map[string]string{"le": "1.0", "path": "/x"}, labels)
}

func TestMakeKeyNoLabels(t *testing.T) {
	key := MakeKey("c", "c_total", nil, nil)
	metricName, sampleName, labels, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, "c", metricName)
	assert.Equal(t, "c_total", sampleName)
	assert.Empty(t, labels)
}
