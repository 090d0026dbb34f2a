// Package meshclient queries mesh nodes over HTTP for their self-reported
// details, link-quality neighbors and locally advertised phones.
package meshclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds every request to a node.
	DefaultTimeout = 5 * time.Second
	// DefaultPort is the node status web server port.
	DefaultPort = 8080
	// maxBodySize caps a sysinfo response.
	maxBodySize = 4 << 20

	sysinfoPath = "/cgi-bin/sysinfo.json"
)

// Config holds the client settings.
type Config struct {
	Timeout time.Duration `mapstructure:"http_timeout"`
	Port    int           `mapstructure:"node_port"`
	Domain  string        `mapstructure:"mesh_domain"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Port:    DefaultPort,
		Domain:  "local.mesh",
	}
}

// NodeInfo is what a node reports about itself.
type NodeInfo struct {
	Name string
	Lat  string
	Lon  string
}

// Neighbor is one link-quality tracker entry. RTTMs is 0 when the neighbor
// is listed but not currently measured.
type Neighbor struct {
	Name  string
	IP    string
	RTTMs float64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL replaces the per-host base URL builder.
func WithBaseURL(fn func(host string) string) Option {
	return func(c *Client) { c.baseURL = fn }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client fetches sysinfo documents from mesh nodes.
type Client struct {
	http    *http.Client
	baseURL func(host string) string
	logger  *zap.Logger
}

// New creates a client.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}

	c := &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		baseURL: func(host string) string {
			if !strings.Contains(host, ".") {
				host += "." + cfg.Domain
			}
			return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// coord decodes a coordinate reported either as a JSON string or number.
type coord string

func (c *coord) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = coord(strings.TrimSpace(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("coordinate %s: %w", b, err)
	}
	*c = coord(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// optFloat decodes a number that may be null, missing or a string.
type optFloat float64

func (o *optFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*o = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*o = 0
		return nil
	}
	*o = optFloat(f)
	return nil
}

type sysinfo struct {
	Node string `json:"node"`
	Lat  coord  `json:"lat"`
	Lon  coord  `json:"lon"`

	LQM struct {
		Info struct {
			Trackers map[string]tracker `json:"trackers"`
		} `json:"info"`
	} `json:"lqm"`

	LinkInfo map[string]linkInfo `json:"link_info"`

	ServicesLocal []service `json:"services_local"`
}

type tracker struct {
	Hostname string   `json:"hostname"`
	IP       string   `json:"ip"`
	RTT      optFloat `json:"rtt"`
}

type linkInfo struct {
	Hostname string `json:"hostname"`
	LinkType string `json:"linkType"`
}

type service struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Link     string `json:"link"`
}

func (c *Client) fetch(ctx context.Context, host, query string) (*sysinfo, error) {
	target := c.baseURL(host) + sysinfoPath
	if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", target, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: status %d", target, resp.StatusCode)
	}

	var info sysinfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode sysinfo from %s: %w", host, err)
	}
	return &info, nil
}

// FetchNodeInfo returns the node's own name and coordinates.
func (c *Client) FetchNodeInfo(ctx context.Context, host string) (NodeInfo, error) {
	info, err := c.fetch(ctx, host, "")
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{Name: info.Node, Lat: string(info.Lat), Lon: string(info.Lon)}, nil
}

// FetchLocation returns the coordinates a node reports for itself.
func (c *Client) FetchLocation(ctx context.Context, host string) (lat, lon string, err error) {
	ni, err := c.FetchNodeInfo(ctx, host)
	if err != nil {
		return "", "", err
	}
	return ni.Lat, ni.Lon, nil
}

// FetchNeighbors returns the node's link-quality trackers. Nodes without
// link-quality data fall back to their link_info table with no RTT.
func (c *Client) FetchNeighbors(ctx context.Context, host string) ([]Neighbor, error) {
	info, err := c.fetch(ctx, host, "link_info=1&lqm=1")
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	seen := make(map[string]bool)
	for _, t := range info.LQM.Info.Trackers {
		name := t.Hostname
		if name == "" {
			name = t.IP
		}
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out = append(out, Neighbor{Name: name, IP: t.IP, RTTMs: float64(t.RTT)})
	}
	if len(out) == 0 {
		for ip, li := range info.LinkInfo {
			name := li.Hostname
			if name == "" {
				name = ip
			}
			if seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			out = append(out, Neighbor{Name: name, IP: ip})
		}
	}

	// Map iteration order is random; keep the crawl order stable.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FetchPhones returns the numeric phone identities advertised by the node's
// local services.
func (c *Client) FetchPhones(ctx context.Context, host string) ([]string, error) {
	info, err := c.fetch(ctx, host, "services_local=1")
	if err != nil {
		return nil, err
	}

	var phones []string
	seen := make(map[string]bool)
	for _, svc := range info.ServicesLocal {
		id := phoneFromService(svc)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		phones = append(phones, id)
	}
	c.logger.Debug("phones advertised",
		zap.String("host", host),
		zap.Int("services", len(info.ServicesLocal)),
		zap.Int("phones", len(phones)),
	)
	return phones, nil
}

// phoneFromService extracts a numeric identity from the service link host or,
// failing that, from the first word of the service name.
func phoneFromService(svc service) string {
	if u, err := url.Parse(svc.Link); err == nil && u.Hostname() != "" {
		host := u.Hostname()
		if _, err := netip.ParseAddr(host); err != nil {
			label, _, _ := strings.Cut(host, ".")
			if isDigits(label) {
				return label
			}
		}
	}
	if fields := strings.Fields(svc.Name); len(fields) > 0 && isDigits(fields[0]) {
		return fields[0]
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
