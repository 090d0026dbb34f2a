// Package reachability periodically checks whether directory users resolve
// in mesh DNS and answer ICMP.
package reachability

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/meshsip/internal/directory"
	"github.com/HerbHall/meshsip/internal/event"
)

// Resolver resolves a mesh hostname to an IPv4 address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Result is the last check of one user.
type Result struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Host        string    `json:"host"`
	IP          string    `json:"ip,omitempty"`
	Resolved    bool      `json:"resolved"`
	Reachable   bool      `json:"reachable"`
	RTTMs       float64   `json:"rtt_ms"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Summary counts the outcome of one test pass.
type Summary struct {
	Checked    int       `json:"checked"`
	Resolved   int       `json:"resolved"`
	Reachable  int       `json:"reachable"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// TopicPassCompleted carries a Summary payload after each successful pass.
const TopicPassCompleted = "reachability.pass.completed"

var (
	usersChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshsip_reachability_users_checked",
		Help: "Users checked by the last reachability pass.",
	})
	usersReachable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshsip_reachability_users_reachable",
		Help: "Users that answered ICMP in the last reachability pass.",
	})
)

func init() {
	prometheus.MustRegister(usersChecked)
	prometheus.MustRegister(usersReachable)
}

// Tester checks every active directory user.
type Tester struct {
	cfg      Config
	domain   string
	users    *directory.Store
	resolver Resolver
	pinger   Pinger
	results  *ResultStore
	events   event.Publisher
	logger   *zap.Logger
	nowFunc  func() time.Time

	mu     sync.RWMutex
	latest map[string]Result
}

// NewTester creates a tester. results may be nil to keep results in memory only.
func NewTester(cfg Config, domain string, users *directory.Store, resolver Resolver, pinger Pinger, results *ResultStore, logger *zap.Logger) *Tester {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Tester{
		cfg:      cfg,
		domain:   domain,
		users:    users,
		resolver: resolver,
		pinger:   pinger,
		results:  results,
		logger:   logger,
		nowFunc:  time.Now,
		latest:   make(map[string]Result),
	}
}

// Run tests immediately and then on every interval until ctx is cancelled.
func (t *Tester) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.logger.Info("reachability tester started", zap.Duration("interval", t.cfg.Interval))
	for {
		if _, err := t.RunOnce(ctx); err != nil {
			t.logger.Info("reachability tester stopped", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			t.logger.Info("reachability tester stopped (context cancelled)")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce checks every active user with bounded concurrency. It only fails
// when ctx is cancelled.
func (t *Tester) RunOnce(ctx context.Context) (Summary, error) {
	users := t.users.ActiveUsers()
	sum := Summary{StartedAt: t.nowFunc()}

	out := make([]Result, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i, u := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = t.check(gctx, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	t.mu.Lock()
	t.latest = make(map[string]Result, len(out))
	for _, r := range out {
		t.latest[r.UserID] = r
		sum.Checked++
		if r.Resolved {
			sum.Resolved++
		}
		if r.Reachable {
			sum.Reachable++
		}
	}
	t.mu.Unlock()

	if t.results != nil {
		if err := t.results.Save(ctx, out); err != nil {
			t.logger.Warn("failed to persist reachability results", zap.Error(err))
		}
	}

	sum.FinishedAt = t.nowFunc()
	usersChecked.Set(float64(sum.Checked))
	usersReachable.Set(float64(sum.Reachable))
	t.logger.Info("reachability pass finished",
		zap.Int("checked", sum.Checked),
		zap.Int("resolved", sum.Resolved),
		zap.Int("reachable", sum.Reachable),
		zap.Duration("duration", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	if t.events != nil {
		t.events.Publish(ctx, event.Event{Topic: TopicPassCompleted, Source: "reachability", Payload: sum})
	}
	return sum, nil
}

// SetPublisher makes the tester publish TopicPassCompleted.
func (t *Tester) SetPublisher(p event.Publisher) {
	t.events = p
}

func (t *Tester) check(ctx context.Context, u directory.User) Result {
	host := u.UserID + "." + t.domain
	r := Result{UserID: u.UserID, DisplayName: u.DisplayName, Host: host}

	addr, err := t.resolver.Resolve(ctx, host)
	if err != nil {
		r.Error = err.Error()
		r.CheckedAt = t.nowFunc()
		return r
	}
	r.Resolved = true
	r.IP = addr.String()

	rtt, alive := t.pinger.Ping(ctx, addr)
	r.Reachable = alive
	r.RTTMs = float64(rtt) / float64(time.Millisecond)
	if !alive {
		r.Error = "no ICMP reply"
	}
	r.CheckedAt = t.nowFunc()
	return r
}

// Results returns the latest result per user, ordered by user ID.
func (t *Tester) Results() []Result {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Result, 0, len(t.latest))
	for _, r := range t.latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Result returns the latest result for userID.
func (t *Tester) Result(userID string) (Result, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.latest[userID]
	return r, ok
}
