package link

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/command"
	"github.com/yaron8/buffer-sizing/policy"
	"github.com/yaron8/buffer-sizing/ratelimit"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []command.Frame
	err    error
}

func (f *fakeSender) Send(fr command.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) take() []command.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func newTestController(t *testing.T) (*Controller, *fakeSender, *fakeSender, *telemetrics.Recorder) {
	t.Helper()
	l, rec, _ := newTestLink(t, capture.UnitBytes)
	router, gen := &fakeSender{}, &fakeSender{}
	return NewController(l, router, gen), router, gen, rec
}

func TestSetRateLimit_RuleOfThumb(t *testing.T) {
	c, router, _, _ := newTestController(t)

	require.NoError(t, c.SetRateLimit(62500))

	st := c.Link().Status()
	assert.Equal(t, 6, st.RateRegister)
	assert.Equal(t, int64(62_500_000), st.RateLimitBps)
	assert.Equal(t, int64(390625), st.BufferBytes)

	assert.Equal(t, []command.Frame{
		{Op: command.OpSetBufferSize, Queue: 1, Value: 390},
		{Op: command.OpSetRate, Queue: 1, Value: 6},
	}, router.take())
}

func TestSetRateLimit_SameRegisterSendsNothing(t *testing.T) {
	c, router, _, rec := newTestController(t)

	require.NoError(t, c.SetRateLimit(62500))
	router.take()
	rec.Reset()

	// 70 Mbit/s also lands on register 6
	require.NoError(t, c.SetRateLimit(70_000))
	require.NoError(t, c.SetRateRegister(6))
	assert.Empty(t, router.take())
	assert.Empty(t, rec.Samples())
}

func TestSetRateLimit_RejectsOutOfRange(t *testing.T) {
	c, router, _, rec := newTestController(t)
	before := c.Link().Status().RateRegister

	for _, kbps := range []int64{0, -1, math.MaxInt64 / 500, math.MaxInt64} {
		err := c.SetRateLimit(kbps)
		assert.ErrorIs(t, err, ErrInvalidInput, "kbps %d", kbps)
	}

	assert.Equal(t, before, c.Link().Status().RateRegister)
	assert.Empty(t, router.take())
	assert.Empty(t, rec.Samples())

	// the largest accepted rate still selects the fastest register
	require.NoError(t, c.SetRateLimit(math.MaxInt64/1000))
	assert.Equal(t, ratelimit.MinRegister, c.Link().Status().RateRegister)
}

func TestSetRateRegister_OneCommandPerChange(t *testing.T) {
	c, router, _, _ := newTestController(t)

	for _, reg := range []int{3, 4, 5, 16, 2} {
		require.NoError(t, c.SetRateRegister(reg))

		var rates, buffers int
		for _, f := range router.take() {
			switch f.Op {
			case command.OpSetRate:
				rates++
				assert.Equal(t, int32(reg), f.Value)
			case command.OpSetBufferSize:
				buffers++
			}
		}
		assert.Equal(t, 1, rates, "register %d", reg)
		assert.LessOrEqual(t, buffers, 1, "register %d", reg)
	}
}

func TestSetRateRegister_OutOfRange(t *testing.T) {
	c, router, _, rec := newTestController(t)
	before := c.Link().Status()

	for _, reg := range []int{0, 1, 17, -3} {
		err := c.SetRateRegister(reg)
		assert.ErrorIs(t, err, ratelimit.ErrRegisterOutOfRange, "register %d", reg)
	}

	assert.Equal(t, before, c.Link().Status())
	assert.Empty(t, router.take())
	assert.Empty(t, rec.Samples())
}

func TestSetRateRegister_EmitsBracketingSamples(t *testing.T) {
	c, _, _, rec := newTestController(t)

	require.NoError(t, c.SetRateRegister(6))

	rate := rec.Samples(telemetrics.SeriesRateLimit)
	require.Len(t, rate, 2)
	assert.Equal(t, float64(ratelimit.MaxBps), rate[0].Value)
	assert.Equal(t, 62_500_000.0, rate[1].Value)
	assert.Equal(t, rate[0].Timestamp, rate[1].Timestamp)

	buf := rec.Samples(telemetrics.SeriesBufferSize)
	require.Len(t, buf, 2)
	assert.Equal(t, 6_250_000.0, buf[0].Value)
	assert.Equal(t, 390625.0, buf[1].Value)
}

func TestSetRule(t *testing.T) {
	c, router, _, _ := newTestController(t)
	require.NoError(t, c.SetRateLimit(62500))
	router.take()

	require.NoError(t, c.SetRule(policy.FlowSensitive))
	assert.Equal(t, int64(39062), c.Link().Status().BufferBytes)
	assert.Equal(t, []command.Frame{{Op: command.OpSetBufferSize, Queue: 1, Value: 39}}, router.take())

	require.NoError(t, c.SetCustomBuffer(150_000))
	assert.Empty(t, router.take(), "custom size is unused until the custom rule is active")

	require.NoError(t, c.SetRule(policy.Custom))
	assert.Equal(t, int64(150_000), c.Link().Status().BufferBytes)
	assert.Equal(t, []command.Frame{{Op: command.OpSetBufferSize, Queue: 1, Value: 150}}, router.take())

	require.NoError(t, c.SetRule(policy.Custom))
	assert.Empty(t, router.take())

	assert.ErrorIs(t, c.SetRule(policy.Rule(42)), ErrInvalidInput)
}

func TestSetRTT(t *testing.T) {
	c, router, _, _ := newTestController(t)

	require.NoError(t, c.SetRTT(100))
	// 1 Gbit/s at 100 ms
	assert.Equal(t, int64(12_500_000), c.Link().Status().BufferBytes)
	assert.Equal(t, []command.Frame{{Op: command.OpSetBufferSize, Queue: 1, Value: 12500}}, router.take())

	require.NoError(t, c.SetRTT(100))
	assert.Empty(t, router.take())

	assert.ErrorIs(t, c.SetRTT(-1), ErrInvalidInput)
}

func TestSetNumFlows(t *testing.T) {
	c, router, gen, _ := newTestController(t)

	require.NoError(t, c.SetNumFlows(400))
	assert.Equal(t, []command.Frame{{Op: command.OpSetNumFlows, Value: 400}}, gen.take())
	// rule of thumb ignores the flow count
	assert.Empty(t, router.take())

	require.NoError(t, c.SetNumFlows(400))
	assert.Empty(t, gen.take())

	assert.ErrorIs(t, c.SetNumFlows(0), ErrInvalidInput)
	assert.Equal(t, 400, c.Link().Status().NumFlows)
}

func TestSetTargetRate(t *testing.T) {
	c, _, gen, _ := newTestController(t)

	require.NoError(t, c.SetTargetRate(5_000_000))
	assert.Equal(t, []command.Frame{{Op: command.OpSetTargetBps, Value: 5_000_000}}, gen.take())

	gen.err = errors.New("broken pipe")
	assert.Error(t, c.SetTargetRate(6_000_000))

	noGen := NewController(c.Link(), nil, nil)
	assert.ErrorIs(t, noGen.SetTargetRate(1000), ErrNoGenerator)
}

func TestSendFailureKeepsState(t *testing.T) {
	c, router, _, _ := newTestController(t)
	router.err = errors.New("connection reset")

	require.NoError(t, c.SetRateLimit(62500))
	assert.Equal(t, 6, c.Link().Status().RateRegister)
	assert.Equal(t, int64(390625), c.Link().Status().BufferBytes)

	// the peer comes back and gets the current values
	router.err = nil
	c.ResyncRouter()
	assert.Equal(t, []command.Frame{
		{Op: command.OpSetRate, Queue: 1, Value: 6},
		{Op: command.OpSetBufferSize, Queue: 1, Value: 390},
	}, router.take())
}

func TestResyncGenerator(t *testing.T) {
	c, _, gen, _ := newTestController(t)

	c.ResyncGenerator()
	assert.Equal(t, []command.Frame{{Op: command.OpSetNumFlows, Value: 100}}, gen.take())

	NewController(c.Link(), nil, nil).ResyncGenerator()
}
