package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/flowpbx/callcard/internal/config"
)

// ErrCallNotRinging is returned when a command targets a call that already
// got a final response or was never offered.
var ErrCallNotRinging = errors.New("sip: call is not ringing")

// CallHandler receives call-list changes. Methods run on SIP transaction
// goroutines and must not block.
type CallHandler interface {
	OnIncomingCall(id callerid.Identification)
	OnCallEnded(callID int)
}

// Endpoint is a SIP user agent server that offers inbound INVITEs to the
// call card and turns answer/reject commands into final responses.
type Endpoint struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	calls   *CallList
	trusted *SourceFilter
	handler CallHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewEndpoint creates a SIP endpoint with all handlers registered. handler
// may be nil until SetHandler is called, which must happen before Start.
func NewEndpoint(cfg *config.Config, logger *slog.Logger) (*Endpoint, error) {
	logger = logger.With("component", "sip")

	trusted, err := NewSourceFilter(cfg.SIPTrustedSources, logger)
	if err != nil {
		return nil, err
	}

	level, err := ParseTraceLevel(cfg.SIPTrace)
	if err != nil {
		return nil, err
	}
	if level != TraceOff {
		sip.SIPDebug = true
		sip.SIPDebugTracer(NewMessageTracer(logger, level))
		logger.Info("sip message tracing enabled", "level", level.String())
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callcard"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	e := newEndpoint(cfg, logger)
	e.ua = ua
	e.srv = srv
	e.trusted = trusted
	e.registerHandlers()
	return e, nil
}

// newEndpoint builds the call-control core without a SIP stack.
func newEndpoint(cfg *config.Config, logger *slog.Logger) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		cfg:     cfg,
		calls:   NewCallList(logger),
		trusted: &SourceFilter{logger: logger},
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// SetHandler installs the receiver of call-list changes.
func (e *Endpoint) SetHandler(h CallHandler) {
	e.handler = h
}

// Calls returns the ringing call list.
func (e *Endpoint) Calls() *CallList {
	return e.calls
}

func (e *Endpoint) registerHandlers() {
	e.srv.OnInvite(e.handleInvite)
	e.srv.OnCancel(e.handleCancel)
	e.srv.OnAck(e.handleACK)
	e.srv.OnOptions(e.handleOptions)
}

// Start begins listening on UDP and TCP. Listeners run until ctx is
// cancelled or Stop is called.
func (e *Endpoint) Start(ctx context.Context) error {
	context.AfterFunc(ctx, e.cancel)
	ctx = e.ctx
	addr := e.cfg.SIPAddr()

	for _, network := range []string{"udp", "tcp"} {
		network := network
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.logger.Info("sip listener starting", "network", network, "addr", addr)
			if err := e.srv.ListenAndServe(ctx, network, addr); err != nil && ctx.Err() == nil {
				e.logger.Error("sip listener stopped", "network", network, "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts down the listeners, declines calls still ringing and waits for
// goroutines.
func (e *Endpoint) Stop() {
	e.logger.Info("stopping sip endpoint")
	for {
		id, ok := e.calls.IncomingCall()
		if !ok {
			break
		}
		if c := e.calls.Remove(id.CallID); c != nil {
			if err := c.resp.respond(480, "Temporarily Unavailable"); err != nil {
				e.logger.Debug("failed to decline call on shutdown", "call_id", c.ID, "error", err)
			}
		}
	}
	e.cancel()
	e.wg.Wait()
	e.srv.Close()
	e.ua.Close()
	e.logger.Info("sip endpoint stopped")
}

// Answer sends 200 OK for a ringing call.
func (e *Endpoint) Answer(_ context.Context, callID int) error {
	c := e.calls.Remove(callID)
	if c == nil {
		return fmt.Errorf("answering call %d: %w", callID, ErrCallNotRinging)
	}
	if err := c.resp.respond(200, "OK"); err != nil {
		return fmt.Errorf("sending 200 ok for call %d: %w", callID, err)
	}
	e.logger.Info("call answered", "call_id", callID, "sip_call_id", c.SIPCallID)
	return nil
}

// Reject declines a ringing call: 603 Decline when immediate, 486 Busy Here
// otherwise. A non-empty reason replaces the default reason phrase.
func (e *Endpoint) Reject(_ context.Context, callID int, immediate bool, reason string) error {
	c := e.calls.Remove(callID)
	if c == nil {
		return fmt.Errorf("rejecting call %d: %w", callID, ErrCallNotRinging)
	}
	code, phrase := rejectStatus(immediate, reason)
	if err := c.resp.respond(code, phrase); err != nil {
		return fmt.Errorf("sending %d for call %d: %w", code, callID, err)
	}
	e.logger.Info("call rejected",
		"call_id", callID,
		"sip_call_id", c.SIPCallID,
		"status", code,
	)
	return nil
}

func rejectStatus(immediate bool, reason string) (int, string) {
	code, phrase := 486, "Busy Here"
	if immediate {
		code, phrase = 603, "Decline"
	}
	if reason != "" {
		phrase = reason
	}
	return code, phrase
}

// handleInvite offers an inbound call to the card: 100 Trying, then 180
// Ringing while the user decides. The handler returns only once the call has
// a final response, since sipgo terminates the transaction when it does.
func (e *Endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	var number, display string
	if from := req.From(); from != nil {
		number = from.Address.User
		display = from.DisplayName
	}

	e.logger.Info("invite received",
		"sip_call_id", callID,
		"from", number,
		"source", req.Source(),
	)

	if !e.trusted.Allowed(req.Source()) {
		e.logger.Warn("invite from untrusted source refused",
			"sip_call_id", callID,
			"source", req.Source(),
		)
		res := sip.NewResponseFromRequest(req, 403, "Forbidden", nil)
		if err := tx.Respond(res); err != nil {
			e.logger.Error("failed to send 403 forbidden", "sip_call_id", callID, "error", err)
		}
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		e.logger.Error("failed to send 100 trying", "sip_call_id", callID, "error", err)
		return
	}

	resp := &txResponder{req: req, tx: tx, contact: e.contactURI()}
	c, isNew := e.calls.add(callID, number, display, resp)
	if !isNew {
		e.logger.Debug("invite retransmission for ringing call", "call_id", c.ID)
		return
	}

	if err := resp.respond(180, "Ringing"); err != nil {
		e.logger.Error("failed to send 180 ringing", "call_id", c.ID, "error", err)
		e.calls.Remove(c.ID)
		return
	}

	e.offer(c)
	e.hold(c, tx.Done())
}

// offer notifies the handler of a new ringing call.
func (e *Endpoint) offer(c *RingingCall) {
	if e.handler != nil {
		e.handler.OnIncomingCall(c.Caller)
	}
}

// hold blocks until c leaves the call list, the transaction ends without a
// final response from us, or the endpoint stops.
func (e *Endpoint) hold(c *RingingCall, done <-chan struct{}) {
	select {
	case <-c.final:
	case <-done:
		e.ended(c.ID, "transaction ended")
	case <-e.ctx.Done():
	}
}

// handleCancel terminates a ringing call at the caller's request.
func (e *Endpoint) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	c := e.calls.BySIPCallID(callID)
	if c == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			e.logger.Error("failed to respond to cancel", "sip_call_id", callID, "error", err)
		}
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to cancel", "sip_call_id", callID, "error", err)
	}

	// An answer or reject that won the race already sent the final response.
	if e.calls.Remove(c.ID) == nil {
		return
	}
	if err := c.resp.respond(487, "Request Terminated"); err != nil {
		e.logger.Debug("failed to send 487 on cancel", "call_id", c.ID, "error", err)
	}
	e.notifyEnded(c.ID, "cancelled by caller")
}

// ended removes a call that went away without an answer or reject and
// tells the handler. It is a no-op for calls no longer on the list.
func (e *Endpoint) ended(id int, why string) {
	if e.calls.Remove(id) == nil {
		return
	}
	e.notifyEnded(id, why)
}

func (e *Endpoint) notifyEnded(id int, why string) {
	e.logger.Info("ringing call ended", "call_id", id, "reason", why)
	if e.handler != nil {
		e.handler.OnCallEnded(id)
	}
}

func (e *Endpoint) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.logger.Debug("sip ack received", "sip_call_id", callID, "source", req.Source())
}

// handleOptions answers keepalive pings.
func (e *Endpoint) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

func (e *Endpoint) contactURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   "callcard",
		Host:   e.cfg.SIPHost(),
		Port:   e.cfg.SIPPort,
	}
}

// txResponder answers on a sipgo server transaction.
type txResponder struct {
	req     *sip.Request
	tx      sip.ServerTransaction
	contact sip.Uri
}

func (r *txResponder) respond(code int, reason string) error {
	res := sip.NewResponseFromRequest(r.req, code, reason, nil)
	if code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: r.contact})
	}
	return r.tx.Respond(res)
}
