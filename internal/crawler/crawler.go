// Package crawler discovers the mesh topology by breadth-first traversal of
// node neighbor lists, starting from the local node.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/meshsip/internal/meshclient"
	"github.com/HerbHall/meshsip/internal/topology"
)

// ErrNoLocalNode is returned when the crawl root cannot be determined.
var ErrNoLocalNode = errors.New("cannot determine local node name")

// Querier is the per-node HTTP capability the crawl uses.
type Querier interface {
	FetchNodeInfo(ctx context.Context, host string) (meshclient.NodeInfo, error)
	FetchNeighbors(ctx context.Context, host string) ([]meshclient.Neighbor, error)
	FetchPhones(ctx context.Context, host string) ([]string, error)
}

// Compile-time interface guard.
var _ Querier = (*meshclient.Client)(nil)

// Stats describes one crawl.
type Stats struct {
	Root        string
	Visited     int
	Unreachable int
	NodesAdded  int
	Phones      int
	Links       int
	Truncated   bool
	Duration    time.Duration
}

// Crawler walks the mesh and commits what it finds to a topology store.
type Crawler struct {
	cfg      Config
	store    *topology.Store
	querier  Querier
	limiter  *rate.Limiter
	hostname func() (string, error)
	logger   *zap.Logger
}

// New creates a crawler.
func New(cfg Config, store *topology.Store, querier Querier, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = DefaultConfig().MaxNodes
	}
	limit := rate.Inf
	if cfg.ProbeRate > 0 {
		limit = rate.Limit(cfg.ProbeRate)
	}
	filter := make([]string, 0, len(cfg.NodeFilter))
	for _, p := range cfg.NodeFilter {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			filter = append(filter, p)
		}
	}
	cfg.NodeFilter = filter

	return &Crawler{
		cfg:      cfg,
		store:    store,
		querier:  querier,
		limiter:  rate.NewLimiter(limit, 1),
		hostname: os.Hostname,
		logger:   logger,
	}
}

// rootName returns the normalized crawl root.
func (c *Crawler) rootName() (string, error) {
	name := c.cfg.RootNode
	if name == "" {
		h, err := c.hostname()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoLocalNode, err)
		}
		name = h
	}
	name = topology.NormalizeName(name)
	if name == "" {
		return "", ErrNoLocalNode
	}
	return name, nil
}

// Accept reports whether a normalized neighbor name is inside the crawl
// scope: numeric phone identities always are, otherwise the name must start
// with one of the configured prefixes. An empty filter accepts every
// hostname. IP literals are never accepted.
func (c *Crawler) Accept(name string) bool {
	if name == "" {
		return false
	}
	if isPhone(name) {
		return true
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return false
	}
	if len(c.cfg.NodeFilter) == 0 {
		return true
	}
	for _, p := range c.cfg.NodeFilter {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isPhone(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}

// bfs holds the queue and visited set of one crawl, both bounded by MaxNodes.
type bfs struct {
	limit   int
	queue   []string
	queued  map[string]bool
	visited map[string]bool
	dropped int
}

func newBFS(limit int) *bfs {
	return &bfs{
		limit:   limit,
		queued:  make(map[string]bool),
		visited: make(map[string]bool),
	}
}

// push enqueues name unless it was already seen or the queue is at capacity.
func (b *bfs) push(name string) bool {
	if b.queued[name] || b.visited[name] {
		return false
	}
	if len(b.queue) >= b.limit || len(b.queued) >= b.limit {
		b.dropped++
		return false
	}
	b.queue = append(b.queue, name)
	b.queued[name] = true
	return true
}

func (b *bfs) pop() (string, bool) {
	if len(b.queue) == 0 {
		return "", false
	}
	name := b.queue[0]
	b.queue[0] = ""
	b.queue = b.queue[1:]
	return name, true
}

// Crawl runs one breadth-first traversal. A node that does not answer is
// recorded as unreachable when new and left untouched when already known;
// the crawl continues either way. Cancellation is checked between nodes and
// takes effect immediately, since every store commit is atomic.
func (c *Crawler) Crawl(ctx context.Context) (Stats, error) {
	start := time.Now()

	root, err := c.rootName()
	if err != nil {
		return Stats{}, err
	}
	c.store.SetSource(root, topology.TypeRouter)

	stats := Stats{Root: root}
	q := newBFS(c.cfg.MaxNodes)
	q.push(root)

	for len(q.visited) < c.cfg.MaxNodes {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}

		name, ok := q.pop()
		if !ok {
			break
		}
		delete(q.queued, name)
		if q.visited[name] {
			continue
		}
		q.visited[name] = true

		// Phones are leaves.
		if isPhone(name) {
			continue
		}

		if err := c.addRouter(ctx, name, q, &stats); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}
	}

	stats.Visited = len(q.visited)
	stats.Truncated = len(q.queue) > 0 || q.dropped > 0
	stats.Duration = time.Since(start)

	c.logger.Info("crawl finished",
		zap.String("root", root),
		zap.Int("visited", stats.Visited),
		zap.Int("unreachable", stats.Unreachable),
		zap.Int("nodes_added", stats.NodesAdded),
		zap.Int("phones", stats.Phones),
		zap.Int("links", stats.Links),
		zap.Bool("truncated", stats.Truncated),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// addRouter queries one node and commits it, its links and its phones. Only a
// cancelled context is returned as an error.
func (c *Crawler) addRouter(ctx context.Context, name string, q *bfs, stats *Stats) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	info, err := c.querier.FetchNodeInfo(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Unreachable++
		c.logger.Debug("node unreachable", zap.String("node", name), zap.Error(err))
		if _, known := c.store.FindNode(name); !known {
			c.commitNode(name, topology.TypeRouter, "", "", topology.StatusUnreachable, stats)
		}
		return nil
	}

	if res := c.commitNode(name, topology.TypeRouter, info.Lat, info.Lon, topology.StatusOnline, stats); res == topology.AlreadyExists {
		c.store.SetStatus(name, topology.StatusOnline)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	neighbors, err := c.querier.FetchNeighbors(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("neighbor fetch failed", zap.String("node", name), zap.Error(err))
	}
	for _, n := range neighbors {
		peer := topology.NormalizeName(n.Name)
		if peer == name || !c.Accept(peer) {
			continue
		}
		// A phone neighbor is never crawled, so it is committed here to keep
		// its edge from being swept as an orphan.
		if isPhone(peer) && !c.commitPhone(peer, stats) {
			continue
		}
		if res := c.store.AddConnection(name, peer, n.RTTMs); res.Err() != nil {
			c.logger.Warn("connection not recorded",
				zap.String("from", name),
				zap.String("to", peer),
				zap.Stringer("result", res),
			)
			continue
		}
		stats.Links++
		q.push(peer)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	phones, err := c.querier.FetchPhones(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("phone fetch failed", zap.String("node", name), zap.Error(err))
		return nil
	}

	router, _ := c.store.FindNode(name)
	for _, p := range phones {
		phone := topology.NormalizeName(p)
		if !isPhone(phone) {
			continue
		}
		if !c.commitPhone(phone, stats) {
			continue
		}
		c.store.AddConnection(name, phone, 0)
		if router.HasLocation() {
			if lat, lon, ok := topology.PhoneOffset(router.Lat, router.Lon, phone); ok {
				c.store.SetLocation(phone, lat, lon)
			}
		}
		stats.Phones++
	}
	return nil
}

// commitPhone records a phone as ONLINE, restoring the status of one seen
// before. It reports whether the phone is in the store.
func (c *Crawler) commitPhone(phone string, stats *Stats) bool {
	res := c.commitNode(phone, topology.TypePhone, "", "", topology.StatusOnline, stats)
	if res.Err() != nil {
		return false
	}
	if res == topology.AlreadyExists {
		c.store.SetStatus(phone, topology.StatusOnline)
	}
	return true
}

func (c *Crawler) commitNode(name string, typ topology.NodeType, lat, lon string, status topology.Status, stats *Stats) topology.AddResult {
	res := c.store.AddNode(name, typ, lat, lon, status)
	switch res {
	case topology.Inserted:
		stats.NodesAdded++
	case topology.Full:
		c.logger.Warn("topology node table full, dropping node", zap.String("node", name))
	case topology.Invalid:
		c.logger.Debug("invalid node name", zap.String("node", name))
	}
	return res
}
