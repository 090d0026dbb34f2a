package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Tracker is a link-quality neighbor entry in a sysinfo fixture.
type Tracker struct {
	Hostname string   `json:"hostname"`
	IP       string   `json:"ip"`
	RTT      *float64 `json:"rtt"`
}

// Service is a locally advertised service in a sysinfo fixture.
type Service struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Link     string `json:"link"`
}

// Sysinfo is a node status document as served by a mesh node.
type Sysinfo struct {
	Node     string
	Lat      string
	Lon      string
	Trackers []Tracker
	Services []Service
}

// NewSysinfo returns a sysinfo document for node. Override fields with opts.
func NewSysinfo(node string, opts ...func(*Sysinfo)) Sysinfo {
	s := Sysinfo{Node: node}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLocation sets the node's coordinates.
func WithLocation(lat, lon string) func(*Sysinfo) {
	return func(s *Sysinfo) { s.Lat, s.Lon = lat, lon }
}

// WithNeighbor adds a measured link-quality neighbor.
func WithNeighbor(hostname, ip string, rtt float64) func(*Sysinfo) {
	return func(s *Sysinfo) {
		r := rtt
		s.Trackers = append(s.Trackers, Tracker{Hostname: hostname, IP: ip, RTT: &r})
	}
}

// WithDownNeighbor adds a neighbor with no current RTT.
func WithDownNeighbor(hostname, ip string) func(*Sysinfo) {
	return func(s *Sysinfo) {
		s.Trackers = append(s.Trackers, Tracker{Hostname: hostname, IP: ip})
	}
}

// WithPhone advertises a SIP phone service for number.
func WithPhone(number string) func(*Sysinfo) {
	return func(s *Sysinfo) {
		s.Services = append(s.Services, Service{
			Name:     number + " phone",
			Protocol: "sip",
			Link:     "sip://" + number + ".local.mesh:5060",
		})
	}
}

// WithService adds an arbitrary local service.
func WithService(name, link string) func(*Sysinfo) {
	return func(s *Sysinfo) {
		s.Services = append(s.Services, Service{Name: name, Protocol: "tcp", Link: link})
	}
}

// MarshalJSON renders the document in the node's wire shape.
func (s Sysinfo) MarshalJSON() ([]byte, error) {
	trackers := make(map[string]Tracker, len(s.Trackers))
	for i, t := range s.Trackers {
		trackers["02:00:00:00:00:"+string(rune('a'+i%26))+string(rune('a'+i/26))] = t
	}
	doc := map[string]any{
		"node": s.Node,
		"lat":  s.Lat,
		"lon":  s.Lon,
		"lqm": map[string]any{
			"enabled": true,
			"info":    map[string]any{"trackers": trackers},
		},
		"services_local": s.Services,
	}
	return json.Marshal(doc)
}

// MeshServer serves sysinfo documents for a set of fake nodes. Requests go to
// /<host>/cgi-bin/sysinfo.json; unknown hosts get 404.
type MeshServer struct {
	*httptest.Server

	mu    sync.Mutex
	nodes map[string]Sysinfo
	hits  map[string]int
}

// NewMeshServer starts a server for nodes and closes it when t ends.
func NewMeshServer(t *testing.T, nodes ...Sysinfo) *MeshServer {
	t.Helper()
	m := &MeshServer{nodes: make(map[string]Sysinfo), hits: make(map[string]int)}
	for _, n := range nodes {
		m.nodes[strings.ToLower(n.Node)] = n
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MeshServer) serve(w http.ResponseWriter, r *http.Request) {
	host, rest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	host = strings.ToLower(host)

	m.mu.Lock()
	m.hits[host]++
	info, ok := m.nodes[host]
	m.mu.Unlock()

	if !ok || rest != "cgi-bin/sysinfo.json" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// BaseURL maps a host to its path on the server.
func (m *MeshServer) BaseURL(host string) string {
	return m.URL + "/" + host
}

// Hits returns how many requests host received.
func (m *MeshServer) Hits(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[strings.ToLower(host)]
}
