package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/config"
	"github.com/HerbHall/meshsip/internal/crawler"
	"github.com/HerbHall/meshsip/internal/meshclient"
	"github.com/HerbHall/meshsip/internal/topology"
)

func newCrawlCmd() *cobra.Command {
	var (
		configPath string
		root       string
		output     string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the mesh once and write the topology file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if root != "" {
				cfg.Crawler.RootNode = root
			}
			if output != "" {
				cfg.Crawler.OutputPath = output
			}

			logger := zap.NewNop()
			if verbose {
				if logger, err = config.NewLogger(config.LoggingConfig{Level: "debug", Format: "console"}); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := meshclient.New(meshclient.Config{
				Timeout: cfg.Crawler.HTTPTimeout,
				Port:    cfg.Crawler.NodePort,
				Domain:  cfg.SIP.MeshDomain,
			}, logger)
			topo := topology.NewStore(topology.Config{
				MaxNodes:       topology.DefaultMaxNodes,
				MaxConnections: topology.DefaultMaxConnections,
				InactiveAfter:  cfg.Crawler.InactiveAfter,
				DeleteAfter:    cfg.Crawler.DeleteAfter,
			})
			runner := crawler.NewRunner(cfg.Crawler, crawler.New(cfg.Crawler, topo, client, logger),
				topo, client, nil, logger)

			run, err := runner.RunCycle(ctx)
			printRun(cmd.OutOrStdout(), run, cfg.Crawler.OutputPath)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().StringVar(&root, "root", "", "node to start from (default: crawler.root_node or hostname)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "topology file to write (default: crawler.output_path)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log crawl progress")
	return cmd
}

func printRun(w io.Writer, run crawler.Run, output string) {
	if run.Error != "" {
		fmt.Fprintln(w, color.RedString("✗ Crawl from %s failed: %s", run.Root, run.Error))
		return
	}
	fmt.Fprintln(w, color.GreenString("✓ Crawled %d nodes from %s in %d ms", run.Visited, run.Root, run.DurationMs))
	fmt.Fprintf(w, "  nodes: %d  connections: %d  unreachable: %d\n", run.Nodes, run.Connections, run.Unreachable)
	if run.Unreachable > 0 {
		fmt.Fprintln(w, color.YellowString("  %d nodes did not answer", run.Unreachable))
	}
	if output != "" {
		fmt.Fprintf(w, "  written to %s\n", output)
	}
}
