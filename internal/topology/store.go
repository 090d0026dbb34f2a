package topology

import (
	"sync"
	"time"
)

// Config holds the table bounds and cleanup thresholds.
type Config struct {
	MaxNodes       int           `mapstructure:"max_nodes"`
	MaxConnections int           `mapstructure:"max_connections"`
	InactiveAfter  time.Duration `mapstructure:"inactive_after"`
	DeleteAfter    time.Duration `mapstructure:"delete_after"`
}

// DefaultConfig returns the default topology configuration.
func DefaultConfig() Config {
	return Config{
		MaxNodes:       DefaultMaxNodes,
		MaxConnections: DefaultMaxConnections,
		InactiveAfter:  time.Hour,
		DeleteAfter:    24 * time.Hour,
	}
}

type connKey struct {
	from, to string
}

// Store is the node and connection graph behind a single mutex. The lock is
// held only for in-memory operations; callers do their network I/O first and
// commit the results afterwards.
type Store struct {
	mu  sync.Mutex
	cfg Config

	nodes     []*Node
	nodeIndex map[string]int

	conns     []*Connection
	connIndex map[connKey]int

	source    Node
	hasSource bool
	nowFunc   func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = def.MaxNodes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = def.InactiveAfter
	}
	if cfg.DeleteAfter <= 0 {
		cfg.DeleteAfter = def.DeleteAfter
	}
	return &Store{
		cfg:       cfg,
		nodeIndex: make(map[string]int),
		connIndex: make(map[connKey]int),
		nowFunc:   time.Now,
	}
}

// SetSource records the node the crawl started from.
func (s *Store) SetSource(name string, typ NodeType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = Node{Name: NormalizeName(name), Type: typ}
	s.hasSource = true
}

// Source returns the crawl root, if one was set.
func (s *Store) Source() (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, s.hasSource
}

// AddNode inserts a node. When the normalized name already exists only its
// last-seen time is refreshed; type, coordinates and status keep their
// first-observed values.
func (s *Store) AddNode(name string, typ NodeType, lat, lon string, status Status) AddResult {
	key := NormalizeName(name)
	if key == "" {
		return Invalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if i, ok := s.nodeIndex[key]; ok {
		s.nodes[i].LastSeen = now
		return AlreadyExists
	}
	if len(s.nodes) >= s.cfg.MaxNodes {
		return Full
	}

	s.nodes = append(s.nodes, &Node{
		Name:     key,
		Type:     typ,
		Lat:      lat,
		Lon:      lon,
		Status:   status,
		LastSeen: now,
	})
	s.nodeIndex[key] = len(s.nodes) - 1
	return Inserted
}

// SetStatus overwrites a node's status. It reports whether the node exists.
func (s *Store) SetStatus(name string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.nodeIndex[NormalizeName(name)]
	if !ok {
		return false
	}
	s.nodes[i].Status = status
	return true
}

// SetLocation fills in coordinates for a node that has none. Known
// coordinates are never replaced.
func (s *Store) SetLocation(name, lat, lon string) bool {
	if lat == "" || lon == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.nodeIndex[NormalizeName(name)]
	if !ok || s.nodes[i].HasLocation() {
		return false
	}
	s.nodes[i].Lat = lat
	s.nodes[i].Lon = lon
	return true
}

// FindNode returns a copy of the node called name.
func (s *Store) FindNode(name string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.nodeIndex[NormalizeName(name)]
	if !ok {
		return Node{}, false
	}
	return *s.nodes[i], true
}

// NodeCount returns the number of stored nodes.
func (s *Store) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// ConnectionCount returns the number of stored connections, orphans included.
func (s *Store) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Nodes returns copies of all nodes in insertion order.
func (s *Store) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Node, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = *n
	}
	return out
}

// AddConnection records an RTT sample for the ordered pair (from, to),
// creating the connection on first observation.
func (s *Store) AddConnection(from, to string, rttMs float64) AddResult {
	key := connKey{from: NormalizeName(from), to: NormalizeName(to)}
	if key.from == "" || key.to == "" {
		return Invalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if i, ok := s.connIndex[key]; ok {
		s.conns[i].addSample(rttMs, now)
		return Updated
	}
	if len(s.conns) >= s.cfg.MaxConnections {
		return Full
	}

	c := &Connection{From: key.from, To: key.to}
	c.addSample(rttMs, now)
	s.conns = append(s.conns, c)
	s.connIndex[key] = len(s.conns) - 1
	return Inserted
}

// FindConnection returns a copy of the connection from -> to.
func (s *Store) FindConnection(from, to string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.connIndex[connKey{from: NormalizeName(from), to: NormalizeName(to)}]
	if !ok {
		return Connection{}, false
	}
	return *s.conns[i], true
}

// Connections returns copies of all connections in insertion order.
func (s *Store) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Connection, len(s.conns))
	for i, c := range s.conns {
		out[i] = *c
	}
	return out
}

// CleanupResult counts what a cleanup pass changed.
type CleanupResult struct {
	Deleted        int
	MarkedInactive int
	Orphans        int
}

// CleanupStaleNodes deletes nodes unseen for longer than the delete
// threshold, marks nodes unseen for longer than the inactive threshold as
// INACTIVE, and then drops connections whose endpoints are gone. Surviving
// nodes and connections keep their relative order.
func (s *Store) CleanupStaleNodes(now time.Time) CleanupResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res CleanupResult

	kept := s.nodes[:0]
	for _, n := range s.nodes {
		age := now.Sub(n.LastSeen)
		switch {
		case age > s.cfg.DeleteAfter:
			res.Deleted++
			continue
		case age > s.cfg.InactiveAfter && n.Status != StatusInactive:
			n.Status = StatusInactive
			res.MarkedInactive++
		}
		kept = append(kept, n)
	}
	clear(s.nodes[len(kept):])
	s.nodes = kept

	s.nodeIndex = make(map[string]int, len(s.nodes))
	for i, n := range s.nodes {
		s.nodeIndex[n.Name] = i
	}

	keptConns := s.conns[:0]
	for _, c := range s.conns {
		_, fromOK := s.nodeIndex[c.From]
		_, toOK := s.nodeIndex[c.To]
		if !fromOK || !toOK {
			res.Orphans++
			continue
		}
		keptConns = append(keptConns, c)
	}
	clear(s.conns[len(keptConns):])
	s.conns = keptConns

	s.connIndex = make(map[connKey]int, len(s.conns))
	for i, c := range s.conns {
		s.connIndex[connKey{from: c.From, to: c.To}] = i
	}

	return res
}

// CalculateAggregateStats recomputes min, max and average RTT for every
// connection from its current samples.
func (s *Store) CalculateAggregateStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns {
		c.recomputeStats()
	}
}
