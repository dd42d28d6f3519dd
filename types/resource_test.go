package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceSnapshot_DisplayName(t *testing.T) {
	assert.Equal(t, "web-1", ResourceSnapshot{ID: "i-1", Name: "web-1"}.DisplayName())
	assert.Equal(t, "i-1", ResourceSnapshot{ID: "i-1"}.DisplayName())
}

func TestResourceSnapshot_IsRunning(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"running", true},
		{"available", true},
		{"stopped", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, ResourceSnapshot{Status: tt.status}.IsRunning())
		})
	}
}

func TestResourceSnapshot_LabelNil(t *testing.T) {
	assert.Equal(t, "", ResourceSnapshot{}.Label("team"))
	assert.Equal(t, "web", ResourceSnapshot{Labels: map[string]string{"team": "web"}}.Label("team"))
}

func TestNormalizeSamples(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Sample{
		{Timestamp: base.Add(2 * time.Minute), Value: 3},
		{Timestamp: base, Value: 1},
		{Timestamp: base.Add(time.Minute), Value: 2},
		{Timestamp: base.Add(time.Minute), Value: 20},
	}

	out := NormalizeSamples(in)

	assert.Len(t, out, 3)
	assert.Equal(t, 1.0, out[0].Value)
	assert.Equal(t, 20.0, out[1].Value, "last write at identical timestamp wins")
	assert.Equal(t, 3.0, out[2].Value)
	assert.Equal(t, 3.0, in[0].Value, "input must not be reordered")
	assert.Nil(t, NormalizeSamples(nil))
}

func TestSamplesSince(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Timestamp: base, Value: 1},
		{Timestamp: base.Add(time.Hour), Value: 2},
		{Timestamp: base.Add(2 * time.Hour), Value: 3},
	}

	assert.Len(t, SamplesSince(samples, base.Add(time.Hour)), 2)
	assert.Len(t, SamplesSince(samples, base.Add(3*time.Hour)), 0)
	assert.Len(t, SamplesSince(samples, base.Add(-time.Hour)), 3)
}

func TestOutcome(t *testing.T) {
	assert.True(t, OutcomeResolved.Valid())
	assert.False(t, Outcome("maybe").Valid())
	assert.True(t, OutcomePartial.Successful())
	assert.False(t, OutcomeFailed.Successful())
	assert.False(t, OutcomeUnknown.Successful())
}
