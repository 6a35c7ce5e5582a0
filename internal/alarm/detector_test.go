package alarm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detectorFixture struct {
	store      *Store
	sampler    *fakeSampler
	containers *fakeContainers
	clock      *fakeClock
	metrics    *Metrics
	detector   *Detector
}

// newDetectorFixture returns a detector over a bootstrapped store.
func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()
	store, _, clock := newTestStore(t)
	_, err := store.Bootstrap(context.Background())
	require.NoError(t, err)

	f := &detectorFixture{
		store:      store,
		sampler:    &fakeSampler{cpu: 10, mem: 10},
		containers: &fakeContainers{},
		clock:      clock,
		metrics:    NewMetrics(prometheus.NewRegistry()),
	}
	f.detector = NewDetector(store, f.sampler, f.containers, DetectorOptions{
		Logger:  discardLogger(),
		Metrics: f.metrics,
		Clock:   clock.Now,
	})
	return f
}

func (f *detectorFixture) run(t *testing.T, ip string) Result {
	t.Helper()
	res, err := f.detector.RunDetection(context.Background(), ip)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)
	return res
}

func openRecords(s *Store, typ Type, sub string) []Record {
	var out []Record
	for _, r := range s.RecentRecords(-1) {
		if r.AlarmType == typ && r.SubType == sub && r.Status == StatusUnprocessed {
			out = append(out, r)
		}
	}
	return out
}

func TestDetector_NoAlarmsWhenHealthy(t *testing.T) {
	f := newDetectorFixture(t)
	f.sampler.disks = []DiskUsage{{Device: "/dev/sda1", Mountpoint: "/", Percent: 40}}
	f.containers.list = []Container{{Name: "web", Status: "running"}}

	for i := 0; i < 3; i++ {
		res := f.run(t, "")
		assert.Empty(t, res.Created)
	}
	assert.Empty(t, f.store.RecentRecords(-1))
	assert.Equal(t, 3, f.detector.History().Len(ChannelCPU))
	assert.Equal(t, 0, f.detector.History().Len(ChannelDisk), "disk is never historised")
}

func TestDetector_CPUNeedsSustainedViolation(t *testing.T) {
	f := newDetectorFixture(t)
	f.sampler.set(95, 10)

	res := f.run(t, "")
	assert.Empty(t, res.Created, "a single sample is not enough")

	res = f.run(t, "")
	require.Len(t, res.Created, 1)
	rec := res.Created[0]
	assert.Equal(t, TypeSystem, rec.AlarmType)
	assert.Equal(t, SubTypeCPUHigh, rec.SubType)
	assert.Equal(t, SeverityWarning, rec.Severity)
	assert.Equal(t, StatusUnprocessed, rec.Status)
	assert.Equal(t, "CPU usage too high: 95.0%", rec.Message)

	var details map[string]map[string]float64
	require.NoError(t, json.Unmarshal(rec.Details, &details))
	assert.Equal(t, 95.0, details["cpu_usage"]["total_usage"])
}

func TestDetector_DedupIdempotence(t *testing.T) {
	f := newDetectorFixture(t)
	f.sampler.set(95, 90)
	f.sampler.disks = []DiskUsage{{Device: "/dev/sda1", Mountpoint: "/", Percent: 93.1}}

	first := f.run(t, "")
	require.Len(t, first.Created, 1, "only the disk check fires on the first pass")
	assert.Equal(t, "Disk space low: /dev/sda1 93.1%", first.Created[0].Message)

	second := f.run(t, "")
	third := f.run(t, "")
	assert.Len(t, second.Created, 2, "cpu and memory fire once history has two samples")
	assert.Empty(t, third.Created)

	assert.Len(t, openRecords(f.store, TypeSystem, SubTypeDiskLow), 1)
	assert.Len(t, openRecords(f.store, TypeSystem, SubTypeCPUHigh), 1)
	assert.Len(t, openRecords(f.store, TypeSystem, SubTypeMemoryLow), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.alarmsCreated.WithLabelValues("system", SubTypeDiskLow)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.suppressed.WithLabelValues("system", SubTypeDiskLow)))
}

func TestDetector_DiskPerDeviceAttempt(t *testing.T) {
	f := newDetectorFixture(t)
	f.sampler.disks = []DiskUsage{
		{Device: "/dev/sda1", Mountpoint: "/", Percent: 95},
		{Device: "/dev/sdb1", Mountpoint: "/data", Percent: 97},
		{Device: "/dev/sdc1", Mountpoint: "/backup", Percent: 20},
	}

	res := f.run(t, "")
	// Both full disks attempt; the second is collapsed onto the first.
	assert.Len(t, res.Created, 1)
	assert.Equal(t, 1, res.Suppressed)
}

func TestDetector_ContainerExited(t *testing.T) {
	f := newDetectorFixture(t)
	f.containers.list = []Container{
		{Name: "db", Status: "running"},
		{Name: "web", Status: "exited"},
	}

	res := f.run(t, "")
	require.Len(t, res.Created, 1)
	assert.Equal(t, TypeDocker, res.Created[0].AlarmType)
	assert.Equal(t, "Container exited: web (exited)", res.Created[0].Message)
}

func TestDetector_NetworkOnlyWithBlacklistedSource(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertAccessIP(ctx, "1.2.3.4", "", "", "")
	require.NoError(t, err)

	assert.Empty(t, f.run(t, "1.2.3.4").Created, "not blacklisted")
	assert.Empty(t, f.run(t, "9.9.9.9").Created, "unknown address")

	_, err = f.store.SetBlacklist(ctx, "1.2.3.4", true)
	require.NoError(t, err)
	assert.Empty(t, f.run(t, "").Created, "network check needs a source address")

	res := f.run(t, "1.2.3.4")
	require.Len(t, res.Created, 1)
	assert.Equal(t, TypeNetwork, res.Created[0].AlarmType)
	assert.Equal(t, "Access from blacklisted IP: 1.2.3.4", res.Created[0].Message)
}

func TestDetector_DisabledConfigIgnored(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()
	for _, c := range f.store.ListConfigs(ctx) {
		if c.SubType == SubTypeDiskLow {
			off := false
			_, err := f.store.UpdateConfig(ctx, c.ID, ConfigPatch{Enabled: &off})
			require.NoError(t, err)
		}
	}
	f.sampler.disks = []DiskUsage{{Device: "/dev/sda1", Percent: 99}}

	assert.Empty(t, f.run(t, "").Created)
}

func TestDetector_CategoryFailureIsContained(t *testing.T) {
	f := newDetectorFixture(t)
	f.sampler.err = errUnavailable
	f.containers.list = []Container{{Name: "web", Status: "exited"}}

	res := f.run(t, "")
	require.Len(t, res.Created, 1, "docker checks still run")
	assert.Equal(t, TypeDocker, res.Created[0].AlarmType)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.checkErrors.WithLabelValues(categorySystem)))

	f.sampler.err = nil
	f.containers.err = errUnavailable
	f.sampler.disks = []DiskUsage{{Device: "/dev/sda1", Percent: 99}}
	res = f.run(t, "")
	require.Len(t, res.Created, 1, "system checks still run")
	assert.Equal(t, SubTypeDiskLow, res.Created[0].SubType)
}

func TestDetector_NilContainerListerSkipsDocker(t *testing.T) {
	store, _, clock := newTestStore(t)
	_, err := store.Bootstrap(context.Background())
	require.NoError(t, err)
	d := NewDetector(store, &fakeSampler{}, nil, DetectorOptions{Logger: discardLogger(), Clock: clock.Now})

	res, err := d.RunDetection(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestDetector_SingleFlight(t *testing.T) {
	f := newDetectorFixture(t)
	f.sampler.block = make(chan struct{})
	f.sampler.called = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.detector.RunDetection(context.Background(), "")
	}()
	<-f.sampler.called

	_, ran := f.detector.TryRunDetection(context.Background())
	assert.False(t, ran, "scheduled pass must skip while a pass is running")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.detector.RunDetection(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "manual pass waits, bounded by its context")

	close(f.sampler.block)
	<-done

	f.sampler.called = nil
	_, ran = f.detector.TryRunDetection(context.Background())
	assert.True(t, ran)
}

func TestDetector_PassTimeout(t *testing.T) {
	store, _, clock := newTestStore(t)
	sampler := &fakeSampler{block: make(chan struct{})}
	d := NewDetector(store, sampler, nil, DetectorOptions{
		Logger:  discardLogger(),
		Clock:   clock.Now,
		Timeout: 20 * time.Millisecond,
	})

	start := time.Now()
	res, err := d.RunDetection(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Less(t, time.Since(start), 5*time.Second)
}
