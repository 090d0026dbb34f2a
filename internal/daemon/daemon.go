// Package daemon assembles the meshsip components and supervises their loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/meshsip/internal/calllog"
	"github.com/HerbHall/meshsip/internal/callsession"
	"github.com/HerbHall/meshsip/internal/config"
	"github.com/HerbHall/meshsip/internal/crawler"
	"github.com/HerbHall/meshsip/internal/directory"
	"github.com/HerbHall/meshsip/internal/event"
	"github.com/HerbHall/meshsip/internal/meshclient"
	"github.com/HerbHall/meshsip/internal/meshdns"
	"github.com/HerbHall/meshsip/internal/reachability"
	"github.com/HerbHall/meshsip/internal/server"
	"github.com/HerbHall/meshsip/internal/sip"
	"github.com/HerbHall/meshsip/internal/store"
	"github.com/HerbHall/meshsip/internal/topology"
	"github.com/HerbHall/meshsip/internal/version"
	"github.com/HerbHall/meshsip/internal/ws"
)

// Daemon owns every long-running component.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	db      *store.SQLiteStore
	bus     *event.Bus
	calls   *callsession.Store
	users   *directory.Store
	topo    *topology.Store
	engine  *sip.Engine
	sipSrv  *sip.Server
	runner  *crawler.Runner
	history *crawler.HistoryStore
	tester  *reachability.Tester
	dir     *directoryRefresher
	callLog *calllog.Recorder
	stream  *ws.Handler
	status  *server.Server

	sipConn   *net.UDPConn
	statusLn  net.Listener
	sipListen atomic.Bool
}

// New builds the component graph from cfg. Components disabled in cfg are
// left nil and their status endpoints answer 503.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{cfg: cfg, logger: logger}

	if cfg.Database.Path != "" {
		db, err := openDatabase(ctx, cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		d.db = db
		logger.Info("database initialized",
			zap.String("component", "database"),
			zap.String("path", cfg.Database.Path),
		)
	}

	resolver := meshdns.New(cfg.DNS.Nameserver, cfg.DNS.Timeout)

	d.calls = callsession.NewStore(cfg.SIP.MaxCalls)
	d.users = directory.NewStore(cfg.SIP.MaxUsers)
	d.engine = sip.NewEngine(cfg.SIP, d.calls, d.users, resolver, logger.Named("sip"))
	d.sipSrv = sip.NewServer(d.engine, cfg.SIP.MaintenanceInterval, logger.Named("sip"))

	d.bus = event.NewBus(logger.Named("event"))
	d.engine.SetPublisher(d.bus)
	if d.db != nil {
		cl, err := calllog.NewStore(ctx, d.db)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.callLog = calllog.NewRecorder(cl, d.bus, logger.Named("calllog"))
	}

	if cfg.Directory.CSVPath != "" {
		d.dir = newDirectoryRefresher(
			directory.NewCSVSource(cfg.Directory.CSVPath, logger.Named("directory")),
			d.users, cfg.Directory.RefreshInterval, logger.Named("directory"),
		)
	}

	d.topo = topology.NewStore(topology.Config{
		MaxNodes:       topology.DefaultMaxNodes,
		MaxConnections: topology.DefaultMaxConnections,
		InactiveAfter:  cfg.Crawler.InactiveAfter,
		DeleteAfter:    cfg.Crawler.DeleteAfter,
	})
	if cfg.Crawler.Enabled {
		if err := d.buildCrawler(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}

	if cfg.Reachability.Enabled {
		if err := d.buildTester(ctx, resolver); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.stream = ws.NewHandler(d.bus, logger.Named("ws"))
	d.status = server.New(cfg.Server, d.sources(), logger.Named("server"))
	return d, nil
}

func openDatabase(ctx context.Context, path string) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := store.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (d *Daemon) buildCrawler(ctx context.Context) error {
	cfg := d.cfg.Crawler
	client := meshclient.New(meshclient.Config{
		Timeout: cfg.HTTPTimeout,
		Port:    cfg.NodePort,
		Domain:  d.cfg.SIP.MeshDomain,
	}, d.logger.Named("meshclient"))

	if d.db != nil {
		h, err := crawler.NewHistoryStore(ctx, d.db)
		if err != nil {
			return err
		}
		d.history = h
	}

	c := crawler.New(cfg, d.topo, client, d.logger.Named("crawler"))
	d.runner = crawler.NewRunner(cfg, c, d.topo, client, d.history, d.logger.Named("crawler"))
	d.runner.SetPublisher(d.bus)
	return nil
}

func (d *Daemon) buildTester(ctx context.Context, resolver reachability.Resolver) error {
	cfg := d.cfg.Reachability
	var results *reachability.ResultStore
	if d.db != nil {
		rs, err := reachability.NewResultStore(ctx, d.db)
		if err != nil {
			return err
		}
		results = rs
	}
	pinger := reachability.NewICMPPinger(cfg.PingTimeout, cfg.PingCount, d.logger.Named("reachability"))
	d.tester = reachability.NewTester(cfg, d.cfg.SIP.MeshDomain, d.users, resolver, pinger, results,
		d.logger.Named("reachability"))
	d.tester.SetPublisher(d.bus)
	return nil
}

func (d *Daemon) sources() server.Sources {
	src := server.Sources{
		Calls:  d.calls,
		Users:  d.users,
		Events: d.stream,
		Ready:  d.ready,
	}
	if d.runner != nil {
		src.Topology = d.topo
	}
	if d.history != nil {
		src.Crawls = d.history
	}
	if d.tester != nil {
		src.Reachability = d.tester
	}
	if d.callLog != nil {
		src.CallHistory = d.callLog
	}
	return src
}

func (d *Daemon) ready(ctx context.Context) error {
	if !d.sipListen.Load() {
		return errors.New("sip listener not bound")
	}
	if d.db != nil {
		if err := d.db.DB().PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

// Listen binds the SIP and status sockets. Run calls it when it has not been
// called already.
func (d *Daemon) Listen(ctx context.Context) error {
	if d.sipConn != nil {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", d.cfg.SIP.Listen)
	if err != nil {
		return fmt.Errorf("resolve sip listen address %q: %w", d.cfg.SIP.Listen, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listen sip %q: %w", d.cfg.SIP.Listen, err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.cfg.Server.Listen)
	if err != nil {
		conn.Close()
		return fmt.Errorf("listen status %q: %w", d.cfg.Server.Listen, err)
	}

	d.sipConn = conn
	d.statusLn = ln
	return nil
}

// SIPAddr returns the bound SIP address, or nil before Listen.
func (d *Daemon) SIPAddr() net.Addr {
	if d.sipConn == nil {
		return nil
	}
	return d.sipConn.LocalAddr()
}

// StatusAddr returns the bound status server address, or nil before Listen.
func (d *Daemon) StatusAddr() net.Addr {
	if d.statusLn == nil {
		return nil
	}
	return d.statusLn.Addr()
}

// Run starts every enabled loop and blocks until ctx is cancelled or one of
// them fails. The SIP socket is closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Listen(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.sipListen.Store(true)
		defer d.sipListen.Store(false)
		return d.sipSrv.Serve(gctx, d.sipConn)
	})
	g.Go(func() error {
		return d.status.Serve(gctx, d.statusLn)
	})
	if d.callLog != nil {
		g.Go(func() error {
			return d.callLog.Run(gctx)
		})
	}
	if d.dir != nil {
		g.Go(func() error {
			d.dir.Run(gctx)
			return nil
		})
	}
	if d.runner != nil {
		g.Go(func() error {
			d.runner.Run(gctx)
			return nil
		})
	}
	if d.tester != nil {
		g.Go(func() error {
			d.tester.Run(gctx)
			return nil
		})
	}

	d.logger.Info("meshsip running",
		zap.String("version", version.Short()),
		zap.Stringer("sip", d.SIPAddr()),
		zap.Stringer("status", d.StatusAddr()),
		zap.Bool("crawler", d.runner != nil),
		zap.Bool("reachability", d.tester != nil),
		zap.Bool("directory", d.dir != nil),
		zap.Bool("call_log", d.callLog != nil),
	)

	err := g.Wait()
	d.sipConn.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Engine returns the SIP engine.
func (d *Daemon) Engine() *sip.Engine {
	return d.engine
}

// Events returns the bus the SIP engine publishes call events on.
func (d *Daemon) Events() *event.Bus {
	return d.bus
}

// Topology returns the topology store.
func (d *Daemon) Topology() *topology.Store {
	return d.topo
}

// Close releases the database. It is safe to call after Run returns.
func (d *Daemon) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
