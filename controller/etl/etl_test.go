package etl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/metrics"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

func run(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fn(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func writeRecords(t *testing.T, conn net.Conn, records ...capture.UpdateInfo) {
	t.Helper()
	var b []byte
	for _, u := range records {
		b = capture.AppendUpdateInfo(b, u)
	}
	_, err := conn.Write(b)
	require.NoError(t, err)
}

func TestUpdateReceiver_AppliesAndReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	l, err := link.New(link.Config{ID: "nf0", QueueID: 1}, link.Options{})
	require.NoError(t, err)
	m := metrics.NewUnregistered()

	ur := NewUpdateReceiver(UpdateConfig{
		Addr:           ln.Addr().String(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, link.NewProcessor(l), m)
	run(t, ur.Run)

	first, err := ln.Accept()
	require.NoError(t, err)
	writeRecords(t, first,
		capture.UpdateInfo{Seconds: 100, OccupancyBytes: 1000},
		capture.UpdateInfo{Seconds: 101, DepartedBytes: 1250, OccupancyBytes: 4000},
	)
	require.Eventually(t, func() bool { return l.Status().Occupancy == 4000 }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, l.Status().SmoothedBps, 0.0)

	// the router restarts its stream
	first.Close()
	second, err := ln.Accept()
	require.NoError(t, err)
	defer second.Close()

	writeRecords(t, second,
		// older than what was applied; dropped
		capture.UpdateInfo{Seconds: 50, OccupancyBytes: 1},
		capture.UpdateInfo{Seconds: 102, OccupancyBytes: 2500},
	)
	require.Eventually(t, func() bool { return l.Status().Occupancy == 2500 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("nf0-updates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleUpdates.WithLabelValues("nf0")))
}

func TestUpdateReceiver_ReconnectRearmsRefresh(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rec := &telemetrics.Recorder{}
	l, err := link.New(link.Config{ID: "nf0", QueueID: 1}, link.Options{Sink: rec})
	require.NoError(t, err)

	ur := NewUpdateReceiver(UpdateConfig{
		Addr:           ln.Addr().String(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, link.NewProcessor(l), nil)
	run(t, ur.Run)

	first, err := ln.Accept()
	require.NoError(t, err)
	writeRecords(t, first,
		capture.UpdateInfo{Seconds: 100},
		capture.UpdateInfo{Seconds: 101, DepartedBytes: 1250, OccupancyBytes: 10},
	)
	require.Eventually(t, func() bool { return len(rec.Samples(telemetrics.SeriesThroughput)) == 1 }, 2*time.Second, 5*time.Millisecond)
	before := l.Status().SmoothedBps

	first.Close()
	second, err := ln.Accept()
	require.NoError(t, err)
	defer second.Close()

	// the first record after the outage only starts a new refresh epoch
	writeRecords(t, second, capture.UpdateInfo{Seconds: 160, DepartedBytes: 50_000, OccupancyBytes: 20})
	require.Eventually(t, func() bool { return l.Status().Occupancy == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.Samples(telemetrics.SeriesThroughput), 1)
	assert.Equal(t, before, l.Status().SmoothedBps)

	writeRecords(t, second, capture.UpdateInfo{Seconds: 161, DepartedBytes: 1250, OccupancyBytes: 30})
	require.Eventually(t, func() bool { return len(rec.Samples(telemetrics.SeriesThroughput)) == 2 }, 2*time.Second, 5*time.Millisecond)
	// 10 kbit/s on top of the decayed estimate, nothing carried over
	assert.InDelta(t, 0.5*before+5_000, l.Status().SmoothedBps, 1)
}

func TestUpdateReceiver_RetriesUntilRouterListens(t *testing.T) {
	// grab a free port, then release it so the first dials are refused
	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := free.Addr().String()
	free.Close()

	l, err := link.New(link.Config{ID: "nf0", QueueID: 1}, link.Options{})
	require.NoError(t, err)
	ur := NewUpdateReceiver(UpdateConfig{
		Addr:           addr,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, link.NewProcessor(l), nil)
	run(t, ur.Run)

	time.Sleep(50 * time.Millisecond)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln.Close()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	writeRecords(t, conn, capture.UpdateInfo{Seconds: 1, OccupancyBytes: 64})

	require.Eventually(t, func() bool { return l.Status().Occupancy == 64 }, 2*time.Second, 5*time.Millisecond)
}

func TestRefresher_DecaysIdleLink(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	rec := &telemetrics.Recorder{}

	l, err := link.New(link.Config{ID: "nf0", QueueID: 1}, link.Options{Clock: mock, Sink: rec})
	require.NoError(t, err)
	require.True(t, link.NewProcessor(l).ApplyCapture(capture.DecodedCapture{ReferenceTicks: 1000}))

	l.RefreshNow()
	l.Departure(1001, 125_000)

	r := NewRefresher([]*link.Link{l}, 100*time.Millisecond, mock)
	run(t, r.Run)

	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return len(rec.Samples(telemetrics.SeriesThroughput)) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	throughput := rec.Samples(telemetrics.SeriesThroughput)
	assert.Greater(t, throughput[0].Value, 0.0)
	assert.Less(t, throughput[2].Value, throughput[1].Value)
}
