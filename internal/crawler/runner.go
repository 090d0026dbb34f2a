package crawler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/event"
	"github.com/HerbHall/meshsip/internal/topology"
)

// historyRetention is how long crawl runs are kept.
const historyRetention = 30 * 24 * time.Hour

// TopicCrawlCompleted carries a Run payload, published after every cycle
// including failed ones.
const TopicCrawlCompleted = "crawler.run.completed"

// Runner executes complete crawl cycles on a schedule: crawl, cleanup,
// locations, aggregate stats, file output, history and metrics.
type Runner struct {
	crawler    *Crawler
	topo       *topology.Store
	locations  topology.LocationFetcher
	history    *HistoryStore
	events     event.Publisher
	outputPath string
	interval   time.Duration
	logger     *zap.Logger
	nowFunc    func() time.Time

	mu      sync.Mutex
	lastRun *Run

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRunner creates a runner. locations and history may be nil; an empty
// outputPath skips the file write.
func NewRunner(
	cfg Config,
	crawler *Crawler,
	topo *topology.Store,
	locations topology.LocationFetcher,
	history *HistoryStore,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Runner{
		crawler:    crawler,
		topo:       topo,
		locations:  locations,
		history:    history,
		outputPath: cfg.OutputPath,
		interval:   interval,
		logger:     logger,
		nowFunc:    time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Run performs a cycle immediately and then on every interval until ctx is
// cancelled or Stop is called.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("crawl scheduler started",
		zap.Duration("interval", r.interval),
		zap.String("output", r.outputPath),
	)

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("crawl scheduler stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("crawl scheduler stopped")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

// Stop signals the run loop to exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Runner) runLogged(ctx context.Context) {
	if _, err := r.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("crawl cycle failed", zap.Error(err))
	}
}

// LastRun returns the most recent cycle, if any.
func (r *Runner) LastRun() (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRun == nil {
		return Run{}, false
	}
	return *r.lastRun, true
}

// RunCycle performs one full cycle. The topology file is written only after
// the crawl has run to completion.
func (r *Runner) RunCycle(ctx context.Context) (Run, error) {
	started := r.nowFunc()
	run := Run{ID: uuid.New().String(), StartedAt: started}

	stats, err := r.crawler.Crawl(ctx)
	run.Root = stats.Root
	run.Visited = stats.Visited
	run.Unreachable = stats.Unreachable
	if err != nil {
		crawlRunsTotal.WithLabelValues("error").Inc()
		run.Error = err.Error()
		run.DurationMs = r.nowFunc().Sub(started).Milliseconds()
		r.finish(ctx, &run)
		return run, err
	}

	cleanup := r.topo.CleanupStaleNodes(r.nowFunc())
	run.Deleted = cleanup.Deleted
	run.Inactive = cleanup.MarkedInactive
	if cleanup.Deleted > 0 || cleanup.MarkedInactive > 0 || cleanup.Orphans > 0 {
		r.logger.Info("topology cleanup",
			zap.Int("deleted", cleanup.Deleted),
			zap.Int("inactive", cleanup.MarkedInactive),
			zap.Int("orphans", cleanup.Orphans),
		)
	}

	loc := r.topo.FetchAllLocations(ctx, r.locations)
	r.logger.Debug("locations updated",
		zap.Int("fetched", loc.Fetched),
		zap.Int("failed", loc.Failed),
		zap.Int("synthesized", loc.Synthesized),
	)

	r.topo.CalculateAggregateStats()

	if r.outputPath != "" {
		if err := r.topo.WriteToFile(r.outputPath); err != nil {
			crawlRunsTotal.WithLabelValues("error").Inc()
			run.Error = err.Error()
			run.DurationMs = r.nowFunc().Sub(started).Milliseconds()
			r.finish(ctx, &run)
			return run, err
		}
	}

	run.Nodes = r.topo.NodeCount()
	run.Connections = r.topo.ConnectionCount()
	run.DurationMs = r.nowFunc().Sub(started).Milliseconds()

	crawlRunsTotal.WithLabelValues("ok").Inc()
	crawlDuration.Observe(float64(run.DurationMs) / 1000)
	crawlNodesVisited.Set(float64(run.Visited))
	crawlNodesUnreachable.Set(float64(run.Unreachable))
	topologyNodes.Set(float64(run.Nodes))
	topologyConnections.Set(float64(run.Connections))

	r.finish(ctx, &run)
	return run, nil
}

// SetPublisher makes the runner publish TopicCrawlCompleted after each cycle.
func (r *Runner) SetPublisher(p event.Publisher) {
	r.events = p
}

func (r *Runner) finish(ctx context.Context, run *Run) {
	r.mu.Lock()
	cp := *run
	r.lastRun = &cp
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(ctx, event.Event{Topic: TopicCrawlCompleted, Source: "crawler", Payload: cp})
	}

	if r.history == nil {
		return
	}
	// The run is recorded even when ctx was cancelled mid-crawl.
	ctx = context.WithoutCancel(ctx)
	if err := r.history.RecordRun(ctx, run); err != nil {
		r.logger.Warn("failed to record crawl run", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	if n, err := r.history.Prune(ctx, run.StartedAt.Add(-historyRetention)); err != nil {
		r.logger.Warn("failed to prune crawl history", zap.Error(err))
	} else if n > 0 {
		r.logger.Debug("pruned crawl history", zap.Int64("runs", n))
	}
}
