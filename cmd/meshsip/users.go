package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/HerbHall/meshsip/internal/directory"
	"github.com/HerbHall/meshsip/internal/meshdns"
	"github.com/HerbHall/meshsip/internal/sip"
)

// hostResolver is the part of meshdns.Resolver the users command needs.
type hostResolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

func newUsersCmd() *cobra.Command {
	var (
		csvPath    string
		resolve    bool
		domain     string
		nameserver string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List phones from a phonebook CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if csvPath == "" {
				return errors.New("--csv is required")
			}
			entries, err := directory.NewCSVSource(csvPath, nil).Load()
			if err != nil {
				return err
			}
			var res hostResolver
			if resolve {
				res = meshdns.New(nameserver, timeout)
			}
			printUsers(cmd.Context(), cmd.OutOrStdout(), entries, res, domain)
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "phonebook CSV file")
	cmd.Flags().BoolVarP(&resolve, "resolve", "r", false, "resolve each phone in mesh DNS")
	cmd.Flags().StringVar(&domain, "domain", sip.DefaultConfig().MeshDomain, "mesh DNS domain")
	cmd.Flags().StringVar(&nameserver, "nameserver", "", "DNS server host:port (default: system resolver)")
	cmd.Flags().DurationVar(&timeout, "timeout", meshdns.DefaultTimeout, "DNS query timeout")
	return cmd
}

func printUsers(ctx context.Context, w io.Writer, entries []directory.Entry, res hostResolver, domain string) {
	sorted := append([]directory.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })

	header := []string{"Number", "Name"}
	if res != nil {
		header = append(header, "Address")
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(true)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	resolved := 0
	for _, e := range sorted {
		row := []string{e.UserID, e.DisplayName}
		if res != nil {
			addr, err := res.Resolve(ctx, e.UserID+"."+domain)
			if err != nil {
				row = append(row, color.RedString("unresolved"))
			} else {
				resolved++
				row = append(row, color.GreenString(addr.String()))
			}
		}
		table.Append(row)
	}
	table.Render()

	fmt.Fprintf(w, "%d phones", len(sorted))
	if res != nil {
		fmt.Fprintf(w, ", %d resolved", resolved)
	}
	fmt.Fprintln(w)
}
