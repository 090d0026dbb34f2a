package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/sipwire"
)

// readTimeout bounds each blocking read so cancellation and maintenance run
// even when no traffic arrives.
const readTimeout = time.Second

// Server owns the UDP socket and drives the engine from a single goroutine.
type Server struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewServer creates a server for engine. interval controls how often
// Engine.Maintain runs.
func NewServer(engine *Engine, interval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultConfig().MaintenanceInterval
	}
	return &Server{
		engine:   engine,
		interval: interval,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("resolve sip listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listen sip %s: %w", addr, err)
	}
	defer conn.Close()

	s.logger.Info("SIP server listening", zap.Stringer("addr", conn.LocalAddr()))
	return s.Serve(ctx, conn)
}

// Serve reads datagrams from conn until ctx is cancelled. It does not close conn.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, sipwire.MaxMessageSize)
	lastMaintenance := s.nowFunc()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if now := s.nowFunc(); now.Sub(lastMaintenance) >= s.interval {
			s.engine.Maintain(now)
			lastMaintenance = now
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("SIP read failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		s.engine.HandleDatagram(ctx, conn, buf[:n], from)
	}
}
