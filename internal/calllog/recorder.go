package calllog

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/event"
	"github.com/HerbHall/meshsip/internal/sip"
)

const queueSize = 256

var (
	recordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsip_calllog_events_total",
		Help: "Call events written to the call log, by topic.",
	}, []string{"topic"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshsip_calllog_events_dropped_total",
		Help: "Call events dropped because the call log queue was full.",
	})
)

func init() {
	prometheus.MustRegister(recordedTotal, droppedTotal)
}

// Recorder subscribes to call events and writes them to a Store from its
// own goroutine, so the SIP loop never waits on the database.
type Recorder struct {
	store  *Store
	queue  chan event.Event
	unsubs []func()
	logger *zap.Logger
}

// NewRecorder subscribes to the call topics on bus.
func NewRecorder(s *Store, bus *event.Bus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  s,
		queue:  make(chan event.Event, queueSize),
		logger: logger,
	}
	for _, topic := range []string{sip.TopicCallStarted, sip.TopicCallEstablished, sip.TopicCallEnded} {
		r.unsubs = append(r.unsubs, bus.Subscribe(topic, r.enqueue))
	}
	return r
}

func (r *Recorder) enqueue(_ context.Context, e event.Event) {
	select {
	case r.queue <- e:
	default:
		droppedTotal.Inc()
		r.logger.Warn("call log queue full, dropping event", zap.String("topic", e.Topic))
	}
}

// Run writes queued events until ctx is cancelled, then unsubscribes and
// flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for _, unsub := range r.unsubs {
				unsub()
			}
			r.drain()
			return nil
		case e := <-r.queue:
			r.write(ctx, e)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.write(context.Background(), e)
		default:
			return
		}
	}
}

// RecentCalls returns up to limit calls, newest first.
func (r *Recorder) RecentCalls(ctx context.Context, limit int) ([]Call, error) {
	return r.store.RecentCalls(ctx, limit)
}

func (r *Recorder) write(ctx context.Context, e event.Event) {
	ce, ok := e.Payload.(sip.CallEvent)
	if !ok {
		return
	}

	var err error
	switch e.Topic {
	case sip.TopicCallStarted:
		err = r.store.Start(ctx, Call{
			CallID:     ce.CallID,
			Callee:     ce.Callee,
			CallerAddr: ce.CallerAddr,
			CalleeAddr: ce.CalleeAddr,
			StartedAt:  e.Timestamp,
		})
	case sip.TopicCallEstablished:
		err = r.store.Answer(ctx, ce.CallID, e.Timestamp)
	case sip.TopicCallEnded:
		err = r.store.End(ctx, ce.CallID, e.Timestamp, string(ce.Reason), ce.StatusCode, ce.Duration)
	}

	switch {
	case err == nil:
		recordedTotal.WithLabelValues(e.Topic).Inc()
	case errors.Is(err, ErrNoOpenCall):
		r.logger.Debug("call event without open call", zap.String("topic", e.Topic), zap.String("call_id", ce.CallID))
	default:
		r.logger.Error("failed to record call event",
			zap.String("topic", e.Topic),
			zap.String("call_id", ce.CallID),
			zap.Error(err),
		)
	}
}
