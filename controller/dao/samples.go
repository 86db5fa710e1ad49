package dao

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yaron8/buffer-sizing/logi"
	"github.com/yaron8/buffer-sizing/metrics"
	"github.com/yaron8/buffer-sizing/telemetrics"
)

// Options tune how samples are queued and written.
type Options struct {
	TTL           time.Duration
	MaxSamples    int64
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// Session prefixes every key. A random one is generated when empty.
	Session string
}

// DAOSamples stores link time series in Redis lists, one list per link and
// series. Samples are queued by Emit and written in batches by Run, so the
// link mutex is never held across a Redis round trip.
type DAOSamples struct {
	redisClient *redis.Client
	opts        Options
	mu          sync.Mutex // serializes producers so a step reserves two slots
	queue       chan telemetrics.Sample
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewDAOSamples creates a sample store on top of redisClient.
func NewDAOSamples(redisClient *redis.Client, opts Options, m *metrics.Metrics) *DAOSamples {
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &DAOSamples{
		redisClient: redisClient,
		opts:        opts,
		queue:       make(chan telemetrics.Sample, opts.QueueSize),
		metrics:     m,
		logger:      logi.GetLogger().With("session", opts.Session),
	}
}

// Session returns the key prefix of this run.
func (dao *DAOSamples) Session() string {
	return dao.opts.Session
}

// Key returns the Redis list holding one series of one link.
func (dao *DAOSamples) Key(linkID string, series telemetrics.Series) string {
	return fmt.Sprintf("samples:%s:%s:%s", dao.opts.Session, linkID, series)
}

// Emit queues a sample without blocking. When the queue is full the sample
// is dropped and counted.
func (dao *DAOSamples) Emit(sample telemetrics.Sample) {
	dao.mu.Lock()
	defer dao.mu.Unlock()
	select {
	case dao.queue <- sample:
	default:
		dao.metrics.SamplesDropped.Inc()
	}
}

// EmitStep queues both samples of a step, or drops and counts both when the
// queue cannot take the pair.
func (dao *DAOSamples) EmitStep(before, after telemetrics.Sample) {
	dao.mu.Lock()
	defer dao.mu.Unlock()
	if cap(dao.queue)-len(dao.queue) < 2 {
		dao.metrics.SamplesDropped.Add(2)
		return
	}
	dao.queue <- before
	dao.queue <- after
}

// Ping checks the Redis connection.
func (dao *DAOSamples) Ping(ctx context.Context) error {
	return dao.redisClient.Ping(ctx).Err()
}

// Run writes queued samples until ctx ends, then flushes what is left.
func (dao *DAOSamples) Run(ctx context.Context) error {
	dao.logger.Info("Sample store starting",
		"batch_size", dao.opts.BatchSize,
		"flush_interval", dao.opts.FlushInterval,
		"ttl", dao.opts.TTL)

	ticker := time.NewTicker(dao.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]telemetrics.Sample, 0, dao.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = dao.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			dao.flush(flushCtx, batch)
			cancel()
			return nil
		case s := <-dao.queue:
			batch = append(batch, s)
			if len(batch) >= dao.opts.BatchSize {
				dao.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				dao.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (dao *DAOSamples) drain(batch []telemetrics.Sample) []telemetrics.Sample {
	for {
		select {
		case s := <-dao.queue:
			batch = append(batch, s)
		default:
			return batch
		}
	}
}

// flush writes one batch in a single pipeline. A failed batch is logged and
// discarded; samples are a display feed, not a record.
func (dao *DAOSamples) flush(ctx context.Context, batch []telemetrics.Sample) {
	if len(batch) == 0 {
		return
	}
	if err := dao.Store(ctx, batch); err != nil {
		dao.logger.Error("Error storing samples", "count", len(batch), "error", err)
	}
}

// Store appends samples to their series lists, refreshes each list's TTL and
// trims it to MaxSamples.
func (dao *DAOSamples) Store(ctx context.Context, samples []telemetrics.Sample) error {
	grouped := map[string][]interface{}{}
	var keys []string
	for _, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		key := dao.Key(s.Link, s.Series)
		if _, ok := grouped[key]; !ok {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], data)
	}

	pipe := dao.redisClient.Pipeline()
	for _, key := range keys {
		pipe.RPush(ctx, key, grouped[key]...)
		if dao.opts.MaxSamples > 0 {
			pipe.LTrim(ctx, key, -dao.opts.MaxSamples, -1)
		}
		if dao.opts.TTL > 0 {
			pipe.Expire(ctx, key, dao.opts.TTL)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetSamples returns one stored series in emission order.
func (dao *DAOSamples) GetSamples(ctx context.Context, linkID string, series telemetrics.Series) ([]telemetrics.Sample, error) {
	vals, err := dao.redisClient.LRange(ctx, dao.Key(linkID, series), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]telemetrics.Sample, 0, len(vals))
	for _, v := range vals {
		var s telemetrics.Sample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("decode sample from %s: %w", dao.Key(linkID, series), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes the Redis client.
func (dao *DAOSamples) Close() error {
	return dao.redisClient.Close()
}
