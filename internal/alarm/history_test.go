package alarm

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_CapKeepsMostRecent(t *testing.T) {
	h := NewHistory(100)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 150; i++ {
		h.Record(ChannelCPU, float64(i), base.Add(time.Duration(i)*time.Second))
	}

	got := h.Recent(ChannelCPU, time.Time{})
	require.Len(t, got, 100)
	assert.Equal(t, 50.0, got[0].Value, "oldest retained sample")
	assert.Equal(t, 149.0, got[99].Value, "newest sample")
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.Before(got[i].Timestamp), "samples must be oldest first")
	}
	assert.Equal(t, 100, h.Len(ChannelCPU))
}

func TestHistory_RecentFiltersBySince(t *testing.T) {
	h := NewHistory(10)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		h.Record(ChannelMemory, float64(i), base.Add(time.Duration(i)*time.Second))
	}

	got := h.Recent(ChannelMemory, base.Add(3*time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].Value, "since is inclusive")
	assert.Equal(t, 4.0, got[1].Value)
}

func TestHistory_ChannelsAreIndependent(t *testing.T) {
	h := NewHistory(10)
	now := time.Now()
	h.Record(ChannelCPU, 1, now)

	assert.Empty(t, h.Recent(ChannelMemory, time.Time{}))
	assert.Len(t, h.Recent(ChannelCPU, time.Time{}), 1)
}

func TestHistory_DropsNonFinite(t *testing.T) {
	h := NewHistory(10)
	now := time.Now()
	h.Record(ChannelCPU, math.NaN(), now)
	h.Record(ChannelCPU, math.Inf(1), now)

	assert.Equal(t, 0, h.Len(ChannelCPU))
}

func TestHistory_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistorySize, NewHistory(0).Cap())
}
