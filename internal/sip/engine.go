// Package sip implements the mesh SIP proxy/registrar: a stateful request
// router that locates callees by DNS instead of stored contact bindings.
package sip

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/callsession"
	"github.com/HerbHall/meshsip/internal/directory"
	"github.com/HerbHall/meshsip/internal/event"
	"github.com/HerbHall/meshsip/internal/sipwire"
)

// registerExpires is the Expires value returned on every REGISTER reply.
const registerExpires = 3600

// allowedMethods is advertised in OPTIONS replies.
const allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, REGISTER"

// Resolver resolves a mesh hostname to an IPv4 address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Sender writes one datagram. *net.UDPConn satisfies it.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Engine is the SIP request/response state machine. HandleDatagram is meant
// to be driven from a single goroutine; the stores it uses are independently
// locked so other goroutines may read or refresh them concurrently.
type Engine struct {
	cfg      Config
	calls    *callsession.Store
	users    *directory.Store
	resolver Resolver
	events   event.Publisher
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewEngine creates an engine over the given stores.
func NewEngine(cfg Config, calls *callsession.Store, users *directory.Store, resolver Resolver, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MeshPort == 0 {
		cfg.MeshPort = DefaultConfig().MeshPort
	}
	if cfg.MeshDomain == "" {
		cfg.MeshDomain = DefaultConfig().MeshDomain
	}
	return &Engine{
		cfg:      cfg,
		calls:    calls,
		users:    users,
		resolver: resolver,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Calls returns the call session store.
func (e *Engine) Calls() *callsession.Store {
	return e.calls
}

// Users returns the user directory store.
func (e *Engine) Users() *directory.Store {
	return e.users
}

// HandleDatagram processes one inbound datagram from sender. Garbage and
// requests missing mandatory headers are dropped without a reply.
func (e *Engine) HandleDatagram(ctx context.Context, conn Sender, data []byte, from netip.AddrPort) {
	if len(data) > sipwire.MaxMessageSize {
		data = data[:sipwire.MaxMessageSize]
	}

	sl, ok := sipwire.ParseStartLine(data)
	if !ok {
		sipDroppedTotal.WithLabelValues("malformed").Inc()
		e.logger.Debug("dropping malformed datagram",
			zap.Stringer("from", from),
			zap.Int("bytes", len(data)),
		)
		return
	}

	if sl.IsResponse {
		e.handleResponse(conn, data, sl, from)
		return
	}

	sipRequestsTotal.WithLabelValues(sl.Method).Inc()

	if missing := missingHeader(data); missing != "" {
		sipDroppedTotal.WithLabelValues("missing_header").Inc()
		e.logger.Debug("dropping request without mandatory header",
			zap.String("method", sl.Method),
			zap.String("header", missing),
			zap.Stringer("from", from),
		)
		return
	}

	switch sl.Method {
	case "REGISTER":
		e.handleRegister(conn, data, from)
	case "INVITE":
		e.handleInvite(ctx, conn, data, from)
	case "BYE":
		e.handleBye(conn, data, from)
	case "CANCEL":
		e.handleCancel(conn, data, from)
	case "ACK":
		e.handleAck(conn, data, from)
	case "OPTIONS":
		e.sendResponse(conn, data, sipwire.StatusOK, from, func(r *sipwire.Response) {
			r.AddHeader("Allow", allowedMethods)
		})
	default:
		e.sendResponse(conn, data, sipwire.StatusNotImplemented, from, nil)
	}
}

// missingHeader returns the first mandatory request header that is absent.
func missingHeader(data []byte) string {
	for _, h := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if _, ok := sipwire.ExtractHeader(data, h); !ok {
			return h
		}
	}
	return ""
}

func (e *Engine) handleResponse(conn Sender, data []byte, sl sipwire.StartLine, from netip.AddrPort) {
	callID, _ := sipwire.ExtractHeader(data, "Call-ID")
	sess, ok := e.calls.FindByCallID(callID)
	if !ok {
		sipDroppedTotal.WithLabelValues("unknown_transaction").Inc()
		e.logger.Debug("dropping response for unknown call",
			zap.Int("status", sl.StatusCode),
			zap.String("call_id", callID),
			zap.Stringer("from", from),
		)
		return
	}

	e.send(conn, data, sess.OtherParty(from), "response")

	cseq, _ := sipwire.ExtractHeader(data, "CSeq")
	to, _ := sipwire.ExtractHeader(data, "To")
	toTag, hasTag := sipwire.ExtractTagFromHeader(to)

	switch code := sl.StatusCode; {
	case code >= 400:
		e.calls.Terminate(callID)
		e.logger.Info("call failed",
			zap.String("call_id", callID),
			zap.Int("status", code),
		)
		e.publish(TopicCallEnded, CallEvent{
			CallID:     callID,
			Reason:     EndRejected,
			StatusCode: code,
			Duration:   sess.Age(e.nowFunc()),
		})
	case code >= 200 && code < 300 && sipwire.CSeqMethod(cseq) == "INVITE":
		e.calls.Update(callID, func(s *callsession.Session) {
			s.State = callsession.StateEstablished
			if hasTag {
				s.ToTag = toTag
			}
		})
		e.logger.Info("call established", zap.String("call_id", callID))
		if sess.State != callsession.StateEstablished {
			e.publish(TopicCallEstablished, CallEvent{CallID: callID, StatusCode: code})
		}
	case code == sipwire.StatusRinging || code == sipwire.StatusSessionProgress:
		e.calls.Update(callID, func(s *callsession.Session) {
			if s.State == callsession.StateInviteSent {
				s.State = callsession.StateRinging
			}
			if hasTag && s.ToTag == "" {
				s.ToTag = toTag
			}
		})
	}
	sipActiveCalls.Set(float64(e.calls.Len()))
}

func (e *Engine) handleRegister(conn Sender, data []byte, from netip.AddrPort) {
	fromHdr, _ := sipwire.ExtractHeader(data, "From")
	toHdr, _ := sipwire.ExtractHeader(data, "To")
	contact, _ := sipwire.ExtractHeader(data, "Contact")

	userID := sipwire.ParseUserIDFromURI(sipwire.ExtractURIFromHeader(fromHdr))
	if userID == "" {
		userID = sipwire.ParseUserIDFromURI(sipwire.ExtractURIFromHeader(toHdr))
	}
	displayName := sipwire.ExtractDisplayName(fromHdr)
	if displayName == "" {
		displayName = userID
	}
	expires := registerExpiry(data, contact)

	if _, _, err := e.users.UpsertRegistration(userID, directory.Sanitize(displayName), expires); err != nil {
		level := zap.WarnLevel
		if !errors.Is(err, directory.ErrFull) {
			level = zap.DebugLevel
		}
		e.logger.Log(level, "registration not recorded",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else {
		e.logger.Info("registration",
			zap.String("user_id", userID),
			zap.Int("expires", expires),
			zap.Stringer("from", from),
		)
		e.publish(TopicRegistered, RegistrationEvent{UserID: userID, Addr: from.String(), Expires: expires})
	}

	e.sendResponse(conn, data, sipwire.StatusOK, from, func(r *sipwire.Response) {
		r.Contact = contact
		r.AddHeader("Expires", strconv.Itoa(registerExpires))
	})
}

// registerExpiry reads the Expires header, then the Contact expires
// parameter, defaulting to registerExpires.
func registerExpiry(data []byte, contact string) int {
	if v, ok := sipwire.ExtractHeader(data, "Expires"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			return n
		}
	}
	if v, ok := sipwire.ExtractParam(contact, "expires"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return registerExpires
}

func (e *Engine) handleInvite(ctx context.Context, conn Sender, data []byte, from netip.AddrPort) {
	callID, _ := sipwire.ExtractHeader(data, "Call-ID")
	toHdr, _ := sipwire.ExtractHeader(data, "To")
	fromHdr, _ := sipwire.ExtractHeader(data, "From")
	cseq, _ := sipwire.ExtractHeader(data, "CSeq")

	if sess, ok := e.calls.FindByCallID(callID); ok {
		if from != sess.OriginalCallerAddr {
			// In-dialog re-INVITE from the callee goes to the caller as is.
			e.logger.Debug("relaying re-INVITE from callee", zap.String("call_id", callID))
			e.send(conn, data, sess.OtherParty(from), "re-INVITE")
			return
		}
		e.logger.Debug("INVITE retransmission", zap.String("call_id", callID))
		e.sendResponse(conn, data, sipwire.StatusTrying, from, nil)
		e.forwardInvite(conn, data, sess.CalleeAddr, sipwire.ParseUserIDFromURI(sipwire.ExtractURIFromHeader(toHdr)))
		return
	}

	userID := sipwire.ParseUserIDFromURI(sipwire.ExtractURIFromHeader(toHdr))
	if userID == "" {
		e.sendResponse(conn, data, sipwire.StatusNotFound, from, nil)
		return
	}

	host := userID + "." + e.cfg.MeshDomain
	ip, err := e.resolver.Resolve(ctx, host)
	if err != nil {
		e.logger.Info("callee not resolvable",
			zap.String("call_id", callID),
			zap.String("host", host),
			zap.Error(err),
		)
		e.sendResponse(conn, data, sipwire.StatusNotFound, from, nil)
		return
	}
	callee := netip.AddrPortFrom(ip, uint16(e.cfg.MeshPort))

	if _, err := e.calls.Create(callID); err != nil {
		if errors.Is(err, callsession.ErrFull) {
			e.logger.Warn("call table full, rejecting INVITE",
				zap.String("call_id", callID),
				zap.Int("capacity", e.calls.Capacity()),
			)
			e.sendResponse(conn, data, sipwire.StatusServiceUnavailable, from, nil)
			return
		}
		e.logger.Debug("cannot create call session", zap.String("call_id", callID), zap.Error(err))
		return
	}

	fromTag, _ := sipwire.ExtractTagFromHeader(fromHdr)
	e.calls.Update(callID, func(s *callsession.Session) {
		s.CSeq = cseq
		s.FromTag = fromTag
		s.CallerAddr = from
		s.OriginalCallerAddr = from
		s.CalleeAddr = callee
	})

	e.sendResponse(conn, data, sipwire.StatusTrying, from, nil)
	e.forwardInvite(conn, data, callee, userID)

	e.calls.Update(callID, func(s *callsession.Session) {
		s.State = callsession.StateInviteSent
	})
	sipActiveCalls.Set(float64(e.calls.Len()))

	e.logger.Info("INVITE proxied",
		zap.String("call_id", callID),
		zap.String("callee", userID),
		zap.Stringer("caller_addr", from),
		zap.Stringer("callee_addr", callee),
	)
	e.publish(TopicCallStarted, CallEvent{
		CallID:     callID,
		Callee:     userID,
		CallerAddr: from.String(),
		CalleeAddr: callee.String(),
	})
}

func (e *Engine) forwardInvite(conn Sender, data []byte, callee netip.AddrPort, userID string) {
	uri := "sip:" + userID + "@" + callee.String()
	out, truncated := sipwire.ReconstructRequest(data, uri)
	if out == nil {
		return
	}
	if truncated {
		e.logger.Warn("forwarded INVITE truncated",
			zap.Int("limit", sipwire.MaxMessageSize),
			zap.Stringer("callee_addr", callee),
		)
	}
	e.send(conn, out, callee, "INVITE")
}

func (e *Engine) handleBye(conn Sender, data []byte, from netip.AddrPort) {
	callID, _ := sipwire.ExtractHeader(data, "Call-ID")
	sess, ok := e.calls.FindByCallID(callID)
	if !ok {
		e.sendResponse(conn, data, sipwire.StatusCallDoesNotExist, from, nil)
		return
	}

	e.send(conn, data, sess.OtherParty(from), "BYE")
	e.sendResponse(conn, data, sipwire.StatusOK, from, nil)
	e.calls.Terminate(callID)
	sipActiveCalls.Set(float64(e.calls.Len()))

	age := sess.Age(e.nowFunc())
	e.logger.Info("call ended",
		zap.String("call_id", callID),
		zap.Stringer("by", from),
		zap.Duration("duration", age),
	)
	e.publish(TopicCallEnded, CallEvent{CallID: callID, Reason: EndBye, Duration: age})
}

func (e *Engine) handleCancel(conn Sender, data []byte, from netip.AddrPort) {
	callID, _ := sipwire.ExtractHeader(data, "Call-ID")
	sess, ok := e.calls.FindByCallID(callID)
	if !ok || (sess.State != callsession.StateInviteSent && sess.State != callsession.StateRinging) {
		e.sendResponse(conn, data, sipwire.StatusCallDoesNotExist, from, nil)
		return
	}

	e.send(conn, data, sess.CalleeAddr, "CANCEL")
	e.sendResponse(conn, data, sipwire.StatusOK, from, nil)
	e.calls.Terminate(callID)
	sipActiveCalls.Set(float64(e.calls.Len()))

	e.logger.Info("call cancelled", zap.String("call_id", callID))
	e.publish(TopicCallEnded, CallEvent{CallID: callID, Reason: EndCancel, Duration: sess.Age(e.nowFunc())})
}

func (e *Engine) handleAck(conn Sender, data []byte, from netip.AddrPort) {
	callID, _ := sipwire.ExtractHeader(data, "Call-ID")
	sess, ok := e.calls.FindByCallID(callID)
	if !ok || sess.State != callsession.StateEstablished {
		sipDroppedTotal.WithLabelValues("ack_no_dialog").Inc()
		e.logger.Debug("dropping ACK outside established call", zap.String("call_id", callID))
		return
	}
	e.send(conn, data, sess.OtherParty(from), "ACK")
}

// sendResponse builds a response to req, lets mutate adjust it, and sends it to dst.
func (e *Engine) sendResponse(conn Sender, req []byte, code int, dst netip.AddrPort, mutate func(*sipwire.Response)) {
	r := sipwire.NewResponse(req, code)
	if mutate != nil {
		mutate(r)
	}
	out, truncated := r.Encode()
	if truncated {
		e.logger.Warn("SIP response truncated",
			zap.Int("status", code),
			zap.Int("limit", sipwire.MaxMessageSize),
		)
	}
	sipResponsesSentTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	e.send(conn, out, dst, "response "+strconv.Itoa(code))
}

func (e *Engine) send(conn Sender, msg []byte, dst netip.AddrPort, what string) {
	if !dst.IsValid() {
		e.logger.Debug("no destination, not sending", zap.String("message", what))
		return
	}
	if _, err := conn.WriteToUDPAddrPort(msg, dst); err != nil {
		e.logger.Warn("send failed",
			zap.String("message", what),
			zap.Stringer("to", dst),
			zap.Error(err),
		)
	}
}

// Maintain runs idle housekeeping: stale call sessions are freed and lapsed
// dynamic registrations expire.
func (e *Engine) Maintain(now time.Time) {
	for _, s := range e.calls.ExpireStale(now, e.cfg.SetupTimeout, e.cfg.MaxCallDuration) {
		e.logger.Info("call session timed out",
			zap.String("call_id", s.CallID),
			zap.Stringer("state", s.State),
			zap.Duration("age", s.Age(now)),
		)
		e.publish(TopicCallEnded, CallEvent{CallID: s.CallID, Reason: EndTimeout, Duration: s.Age(now)})
	}
	for _, id := range e.users.ExpireRegistrations(now) {
		e.logger.Info("registration expired", zap.String("user_id", id))
	}
	sipActiveCalls.Set(float64(e.calls.Len()))
}
