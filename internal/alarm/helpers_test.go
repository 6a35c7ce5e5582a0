package alarm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memBackend is an in-memory Backend.
type memBackend struct {
	mu       sync.Mutex
	data     map[string][]byte
	saves    map[string]int
	failSave error
	closed   bool
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte), saves: make(map[string]int)}
}

func (b *memBackend) Load(_ context.Context, collection string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[collection], nil
}

func (b *memBackend) Save(_ context.Context, collection string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSave != nil {
		return b.failSave
	}
	b.data[collection] = append([]byte(nil), payload...)
	b.saves[collection]++
	return nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memBackend) payload(collection string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[collection]
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore returns a Store over a fresh memBackend with a fake clock.
func newTestStore(t *testing.T) (*Store, *memBackend, *fakeClock) {
	t.Helper()
	b := newMemBackend()
	clock := newFakeClock()
	s := NewStore(b, discardLogger(), WithClock(clock.Now))
	return s, b, clock
}

// fakeSampler is a SystemSampler with settable readings.
type fakeSampler struct {
	mu     sync.Mutex
	cpu    float64
	mem    float64
	disks  []DiskUsage
	err    error
	block  chan struct{}
	called chan struct{}
}

func (f *fakeSampler) CPUPercent(ctx context.Context) (float64, error) {
	if f.called != nil {
		f.called <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, f.err
}

func (f *fakeSampler) MemoryPercent(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem, f.err
}

func (f *fakeSampler) Disks(context.Context) ([]DiskUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disks, f.err
}

func (f *fakeSampler) set(cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpu, f.mem = cpu, mem
}

// fakeContainers is a ContainerLister returning a fixed list.
type fakeContainers struct {
	list []Container
	err  error
}

func (f *fakeContainers) Containers(context.Context) ([]Container, error) {
	return f.list, f.err
}

var errUnavailable = errors.New("collaborator unavailable")
