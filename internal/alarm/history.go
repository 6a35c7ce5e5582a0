package alarm

import (
	"math"
	"sync"
	"time"
)

// DefaultHistorySize is the number of samples kept per channel.
const DefaultHistorySize = 100

// Channel names a metric stream with its own history.
type Channel string

const (
	ChannelCPU    Channel = "cpu_usage"
	ChannelMemory Channel = "memory_usage"
	ChannelDisk   Channel = "disk_usage"
)

// Sample is a single metric value observed at a point in time.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// ring is a fixed-capacity circular buffer of samples. The zero value is not
// usable; see newRing.
type ring struct {
	data []Sample
	head int // next write position
	size int
}

func newRing(capacity int) *ring {
	return &ring{data: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	r.data[r.head] = s
	r.head = (r.head + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

func (r *ring) since(t time.Time) []Sample {
	oldest := (r.head - r.size + len(r.data)) % len(r.data)
	var out []Sample
	for i := 0; i < r.size; i++ {
		s := r.data[(oldest+i)%len(r.data)]
		if !s.Timestamp.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// History keeps the most recent samples of every channel, oldest evicted
// first. It is safe for concurrent use and never persisted.
type History struct {
	mu       sync.RWMutex
	capacity int
	channels map[Channel]*ring
}

// NewHistory returns a History holding up to capacity samples per channel.
// capacity <= 0 selects DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity, channels: make(map[Channel]*ring)}
}

// Record appends (now, value) to channel. NaN and infinite values are dropped.
func (h *History) Record(channel Channel, value float64, now time.Time) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.channels[channel]
	if !ok {
		r = newRing(h.capacity)
		h.channels[channel] = r
	}
	r.push(Sample{Timestamp: now, Value: value})
}

// Recent returns the samples of channel with Timestamp >= since, oldest first.
func (h *History) Recent(channel Channel, since time.Time) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.channels[channel]
	if !ok {
		return nil
	}
	return r.since(since)
}

// Len returns the number of samples currently held for channel.
func (h *History) Len(channel Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.channels[channel]; ok {
		return r.size
	}
	return 0
}

// Cap returns the per-channel capacity.
func (h *History) Cap() int { return h.capacity }
