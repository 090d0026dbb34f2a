package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/HerbHall/meshsip/internal/topology"
)

func newTopologyCmd() *cobra.Command {
	var (
		file     string
		nodeType string
		links    bool
	)

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Show nodes and links from a topology file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := topology.ReadFile(file)
			if err != nil {
				return err
			}
			printTopology(cmd.OutOrStdout(), doc, nodeType, links)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "topology.json", "topology JSON file")
	cmd.Flags().StringVarP(&nodeType, "type", "t", "", "only show nodes of this type (router, phone, server)")
	cmd.Flags().BoolVarP(&links, "links", "l", false, "also list connections")
	return cmd
}

func printTopology(w io.Writer, doc *topology.Document, nodeType string, links bool) {
	fmt.Fprintf(w, "Source: %s   Generated: %s   Nodes: %d   Connections: %d\n\n",
		doc.SourceNode.Name, doc.GeneratedAt, doc.Statistics.TotalNodes, doc.Statistics.TotalConnections)

	nodes := make([]topology.NodeRecord, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if nodeType == "" || n.Type == nodeType {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type > nodes[j].Type
		}
		return nodes[i].Name < nodes[j].Name
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Type", "Status", "Location", "Last Seen"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, n := range nodes {
		loc := "-"
		if n.Lat != "" && n.Lon != "" {
			loc = n.Lat + ", " + n.Lon
		}
		table.Append([]string{n.Name, n.Type, statusString(n.Status), loc, n.LastSeen})
	}
	table.Render()

	if !links {
		return
	}

	conns := append([]topology.ConnectionRecord(nil), doc.Connections...)
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].Source != conns[j].Source {
			return conns[i].Source < conns[j].Source
		}
		return conns[i].Target < conns[j].Target
	})

	fmt.Fprintln(w)
	lt := tablewriter.NewWriter(w)
	lt.SetHeader([]string{"Source", "Target", "RTT avg", "RTT min", "RTT max", "Samples"})
	lt.SetBorder(true)
	lt.SetAutoWrapText(false)
	lt.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	lt.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, c := range conns {
		lt.Append([]string{
			c.Source, c.Target,
			formatMs(c.RTTAvgMs), formatMs(c.RTTMinMs), formatMs(c.RTTMaxMs),
			strconv.Itoa(c.SampleCount),
		})
	}
	lt.Render()
}

func statusString(s string) string {
	switch topology.Status(s) {
	case topology.StatusOnline:
		return color.GreenString(s)
	case topology.StatusInactive:
		return color.YellowString(s)
	case topology.StatusUnreachable:
		return color.RedString(s)
	default:
		return s
	}
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + " ms"
}
