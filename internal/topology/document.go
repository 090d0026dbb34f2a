package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DocumentVersion is the schema version of the topology file.
const DocumentVersion = "1.0"

// Document is the topology file format read by reporting tools.
type Document struct {
	Version     string             `json:"version"`
	GeneratedAt string             `json:"generated_at"`
	SourceNode  SourceNode         `json:"source_node"`
	Nodes       []NodeRecord       `json:"nodes"`
	Connections []ConnectionRecord `json:"connections"`
	Statistics  Statistics         `json:"statistics"`
}

// SourceNode identifies the crawl root.
type SourceNode struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NodeRecord is one node in the document.
type NodeRecord struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Lat      string `json:"lat"`
	Lon      string `json:"lon"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// ConnectionRecord is one directed link in the document.
type ConnectionRecord struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	RTTAvgMs    float64 `json:"rtt_avg_ms"`
	RTTMinMs    float64 `json:"rtt_min_ms"`
	RTTMaxMs    float64 `json:"rtt_max_ms"`
	SampleCount int     `json:"sample_count"`
	LastUpdated string  `json:"last_updated"`
}

// Statistics summarizes the document.
type Statistics struct {
	TotalNodes       int `json:"total_nodes"`
	TotalConnections int `json:"total_connections"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Snapshot builds the document from the current tables. Connections whose
// endpoints are missing are left out.
func (s *Store) Snapshot(now time.Time) Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := Document{
		Version:     DocumentVersion,
		GeneratedAt: formatTime(now),
		SourceNode:  SourceNode{Name: s.source.Name, Type: string(s.source.Type)},
		Nodes:       make([]NodeRecord, 0, len(s.nodes)),
		Connections: make([]ConnectionRecord, 0, len(s.conns)),
	}

	for _, n := range s.nodes {
		doc.Nodes = append(doc.Nodes, NodeRecord{
			Name:     n.Name,
			Type:     string(n.Type),
			Lat:      n.Lat,
			Lon:      n.Lon,
			Status:   string(n.Status),
			LastSeen: formatTime(n.LastSeen),
		})
	}

	for _, c := range s.conns {
		_, fromOK := s.nodeIndex[c.From]
		_, toOK := s.nodeIndex[c.To]
		if !fromOK || !toOK {
			continue
		}
		doc.Connections = append(doc.Connections, ConnectionRecord{
			Source:      c.From,
			Target:      c.To,
			RTTAvgMs:    c.RTTAvgMs,
			RTTMinMs:    c.RTTMinMs,
			RTTMaxMs:    c.RTTMaxMs,
			SampleCount: c.SampleCount,
			LastUpdated: formatTime(c.LastUpdated),
		})
	}

	doc.Statistics = Statistics{
		TotalNodes:       len(doc.Nodes),
		TotalConnections: len(doc.Connections),
	}
	return doc
}

// WriteToFile writes the current snapshot to path. The file is written to a
// temporary sibling and renamed into place so readers never see a partial
// document.
func (s *Store) WriteToFile(path string) error {
	return WriteDocument(path, s.Snapshot(s.nowFunc()))
}

// WriteDocument atomically writes doc as indented JSON to path.
func WriteDocument(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp topology file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write topology: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod topology: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close topology: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename topology file: %w", err)
	}
	return nil
}

// ReadFile loads a topology document written by WriteToFile.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	return &doc, nil
}
