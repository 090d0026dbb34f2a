// Package topology holds the discovered mesh graph: nodes, directed links
// with RTT samples, and the JSON document written for reporting tools.
package topology

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultMaxNodes bounds the node table.
	DefaultMaxNodes = 500
	// DefaultMaxConnections bounds the connection table.
	DefaultMaxConnections = 2000
	// RTTCapacity is the number of samples kept per connection.
	RTTCapacity = 10
)

var (
	// ErrFull is returned when a table has no room for a new entry.
	ErrFull = errors.New("topology table full")
	// ErrInvalidName is returned when a name normalizes to nothing.
	ErrInvalidName = errors.New("invalid node name")
)

// NodeType classifies a mesh element.
type NodeType string

const (
	TypeRouter NodeType = "router"
	TypePhone  NodeType = "phone"
	TypeServer NodeType = "server"
)

// Status is the observed state of a node.
type Status string

const (
	StatusOnline      Status = "ONLINE"
	StatusInactive    Status = "INACTIVE"
	StatusUnreachable Status = "UNREACHABLE"
)

// AddResult reports what an add call did.
type AddResult int

const (
	Inserted AddResult = iota
	AlreadyExists
	Updated
	Full
	Invalid
)

func (r AddResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	case Updated:
		return "updated"
	case Full:
		return "full"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Err converts the failure results to their sentinel errors.
func (r AddResult) Err() error {
	switch r {
	case Full:
		return ErrFull
	case Invalid:
		return ErrInvalidName
	default:
		return nil
	}
}

// Node is one mesh network element.
type Node struct {
	Name     string
	Type     NodeType
	Lat      string
	Lon      string
	Status   Status
	LastSeen time.Time
}

// HasLocation reports whether both coordinates are known.
func (n Node) HasLocation() bool {
	return n.Lat != "" && n.Lon != ""
}

// RTTSample is one round-trip measurement.
type RTTSample struct {
	RTTMs float64
	At    time.Time
}

// Connection is a directed link observed from From to To.
type Connection struct {
	From string
	To   string

	samples     [RTTCapacity]RTTSample
	SampleCount int
	NextIndex   int

	RTTAvgMs float64
	RTTMinMs float64
	RTTMaxMs float64

	LastUpdated time.Time
}

func (c *Connection) addSample(rtt float64, at time.Time) {
	c.samples[c.NextIndex] = RTTSample{RTTMs: rtt, At: at}
	c.NextIndex = (c.NextIndex + 1) % RTTCapacity
	if c.SampleCount < RTTCapacity {
		c.SampleCount++
	}
	c.LastUpdated = at
}

// Samples returns the stored samples, oldest first.
func (c Connection) Samples() []RTTSample {
	out := make([]RTTSample, 0, c.SampleCount)
	start := 0
	if c.SampleCount == RTTCapacity {
		start = c.NextIndex
	}
	for i := 0; i < c.SampleCount; i++ {
		out = append(out, c.samples[(start+i)%RTTCapacity])
	}
	return out
}

func (c *Connection) recomputeStats() {
	if c.SampleCount == 0 {
		c.RTTAvgMs, c.RTTMinMs, c.RTTMaxMs = 0, 0, 0
		return
	}
	var sum float64
	minV, maxV := c.samples[0].RTTMs, c.samples[0].RTTMs
	for i := 0; i < c.SampleCount; i++ {
		v := c.samples[i].RTTMs
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	c.RTTAvgMs = sum / float64(c.SampleCount)
	c.RTTMinMs = minV
	c.RTTMaxMs = maxV
}

var interfacePrefix = regexp.MustCompile(`^(?:mid\d+|dtdlink|xlink\d+)\.`)

const meshSuffix = ".local.mesh"

// NormalizeName folds a hostname to its node key: lower case, no interface
// prefix (mid1., dtdlink., xlink0.), no mesh domain suffix or trailing dot.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".")
	n = strings.TrimSuffix(n, meshSuffix)
	for {
		stripped := interfacePrefix.ReplaceAllString(n, "")
		if stripped == n {
			break
		}
		n = stripped
	}
	return n
}
