// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGaugeModeArchived(t *testing.T) {
	assert.True(t, GaugeMin.Archived())
	assert.True(t, GaugeMax.Archived())
	assert.True(t, GaugeLatest.Archived())
	assert.False(t, GaugeAll.Archived())
	assert.False(t, GaugeLiveAll.Archived())
	assert.False(t, GaugeLiveSum.Archived())
}

func TestParseGaugeModeRoundTrip(t *testing.T) {
	for _, mode := range []GaugeMode{GaugeMin, GaugeMax, GaugeLatest, GaugeAll, GaugeLiveAll, GaugeLiveSum} {
		parsed, ok := ParseGaugeMode(mode.String())
		assert.True(t, ok)
		assert.Equal(t, mode, parsed)
	}
	_, ok := ParseGaugeMode("bogus")
	assert.False(t, ok)
}

func TestSampleHasTimestamp(t *testing.T) {
	withTimestamp := Sample{Timestamp: 1.0}
	assert.True(t, withTimestamp.HasTimestamp())

	without := Sample{Timestamp: NoTimestamp}
	assert.False(t, without.HasTimestamp())
}
