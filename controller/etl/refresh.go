package etl

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/yaron8/buffer-sizing/link"
	"github.com/yaron8/buffer-sizing/logi"
)

// Refresher folds throughput for a set of links on a fixed interval, so a
// link that stops receiving departures decays toward zero instead of holding
// its last value.
type Refresher struct {
	links    []*link.Link
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewRefresher creates a refresher ticking on clk, or on the wall clock when
// clk is nil.
func NewRefresher(links []*link.Link, interval time.Duration, clk clock.Clock) *Refresher {
	if clk == nil {
		clk = clock.New()
	}
	return &Refresher{
		links:    links,
		interval: interval,
		clock:    clk,
		logger:   logi.GetLogger(),
	}
}

// Run refreshes every link on each tick until ctx ends.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("Refresh loop starting", "interval", r.interval, "links", len(r.links))

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *Refresher) refresh() {
	for _, l := range r.links {
		l.RefreshNow()
	}
}
