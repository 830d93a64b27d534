package sip

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int

const (
	// TraceOff disables SIP message tracing.
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers only.
	TraceHeaders
	// TraceFull logs the raw message including any body.
	TraceFull
)

// ParseTraceLevel converts a config value to a TraceLevel.
func ParseTraceLevel(s string) (TraceLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return TraceOff, nil
	case "headers":
		return TraceHeaders, nil
	case "full":
		return TraceFull, nil
	}
	return TraceOff, fmt.Errorf("unknown sip trace level %q", s)
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer implements sipgo's sip.SIPTracer by writing each message
// to the log at debug level.
type MessageTracer struct {
	logger *slog.Logger
	level  TraceLevel
}

// NewMessageTracer creates a tracer at level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	return &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
		level:  level,
	}
}

// SIPTraceRead is called by sipgo for every message read from the network.
func (t *MessageTracer) SIPTraceRead(transport, laddr, raddr string, sipmsg []byte) {
	t.trace("sip recv", transport, laddr, raddr, sipmsg)
}

// SIPTraceWrite is called by sipgo for every message written to the network.
func (t *MessageTracer) SIPTraceWrite(transport, laddr, raddr string, sipmsg []byte) {
	t.trace("sip send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(msg, transport, laddr, raddr string, sipmsg []byte) {
	if t.level == TraceOff {
		return
	}
	t.logger.Debug(msg,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", t.format(sipmsg),
	)
}

// format drops the body unless tracing is full.
func (t *MessageTracer) format(sipmsg []byte) string {
	if t.level == TraceFull {
		return string(sipmsg)
	}
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}
