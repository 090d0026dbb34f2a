package reachability

import (
	"context"
	"net/netip"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// Pinger measures the round-trip time to an address.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) (rtt time.Duration, alive bool)
}

// ICMPPinger pings with ICMP echo requests.
type ICMPPinger struct {
	timeout    time.Duration
	count      int
	privileged bool
	logger     *zap.Logger
}

// NewICMPPinger creates a pinger sending count echoes within timeout.
func NewICMPPinger(timeout time.Duration, count int, logger *zap.Logger) *ICMPPinger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if count <= 0 {
		count = 1
	}
	return &ICMPPinger{
		timeout:    timeout,
		count:      count,
		privileged: runtime.GOOS == "windows",
		logger:     logger,
	}
}

// Ping reports whether addr answered and the average RTT.
func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr) (time.Duration, bool) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		p.logger.Debug("failed to create pinger", zap.Stringer("ip", addr), zap.Error(err))
		return 0, false
	}
	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			p.logger.Debug("ping failed", zap.Stringer("ip", addr), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return 0, false
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		return stats.AvgRtt, true
	}
	return 0, false
}
