package proxylab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"time"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// connState carries one connection through handling.
type connState struct {
	conn     net.Conn
	clientIP string
	start    time.Time
	req      *Request
	host     string // normalized
}

func (c *connState) kind() string {
	if c.req.Tunnel {
		return "tunnel"
	}
	return "forward"
}

// handleConn serves a single client connection. Panics are contained here
// so one bad connection cannot take down the accept loop.
func (p *Proxy) handleConn(conn net.Conn) {
	cs := &connState{
		conn:     conn,
		clientIP: clientIP(conn.RemoteAddr()),
		start:    time.Now(),
	}

	defer func() {
		if v := recover(); v != nil {
			p.Logger.Error("connection handler panic",
				"client", cs.clientIP,
				"panic", v,
				"stack", string(debug.Stack()),
			)
		}
		_ = conn.Close()
	}()

	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}

	size := p.RequestBufferSize
	if size <= 0 {
		size = DefaultRequestBufferSize
	}
	if p.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(p.ReadTimeout))
	}
	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			p.Logger.Debug("client read failed", "client", cs.clientIP, "error", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := ParseRequest(buf[:n])
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordMalformedRequest()
		}
		p.Logger.Debug("dropping malformed request", "client", cs.clientIP, "error", err)
		return
	}
	cs.req = req

	decision := p.BlockList.Match(req.Host)
	cs.host = decision.Host

	if p.Metrics != nil {
		p.Metrics.RecordConnection(req.Method, cs.kind())
	}
	if p.Hosts != nil {
		p.Hosts.Observe(cs.host)
	}

	switch {
	case decision.Blocked:
		p.block(cs, decision)
	case req.Tunnel:
		p.tunnel(cs)
	default:
		p.forward(cs)
	}
}

// block answers with the 403 notice and records the block.
func (p *Proxy) block(cs *connState, d Decision) {
	bp := p.BlockPage
	if bp == nil {
		bp = NewBlockPage()
	}

	data := BlockPageData{
		URL:       cs.req.URL,
		Host:      cs.host,
		Pattern:   d.Pattern,
		Strategy:  d.Strategy.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := bp.WriteResponse(cs.conn, data); err != nil {
		p.Logger.Debug("write block response", "client", cs.clientIP, "error", err)
	}

	if p.Metrics != nil {
		p.Metrics.RecordBlocked(d.Strategy)
	}
	p.record(cs, 403, true, AccessEntry{Pattern: d.Pattern, Strategy: d.Strategy})
}

// tunnel dials the destination, confirms the tunnel to the client and
// relays bytes until the session ends. An unreachable destination closes
// the client connection without any response bytes.
func (p *Proxy) tunnel(cs *connState) {
	dest, err := p.dial(context.Background(), cs.req.Addr())
	if err != nil {
		p.upstreamFailure(cs, "connect failed", err)
		return
	}
	defer dest.Close()

	if _, err := io.WriteString(cs.conn, connectEstablished); err != nil {
		p.Logger.Debug("write connect response", "client", cs.clientIP, "error", err)
		p.record(cs, 200, false, AccessEntry{Error: err.Error()})
		return
	}
	p.record(cs, 200, false, AccessEntry{})

	stats := Relay{IdleTimeout: p.IdleTimeout}.Run(cs.conn, dest)
	if p.Metrics != nil {
		p.Metrics.RecordTunnelBytes(stats)
	}
	p.Logger.Debug("tunnel closed",
		"client", cs.clientIP,
		"host", cs.host,
		"upstream_bytes", stats.ClientToDest,
		"downstream_bytes", stats.DestToClient,
		"duration", time.Since(cs.start),
	)
}

// forward sends the buffered request bytes to the destination unchanged
// and streams the response back, stopping at MaxResponseSize.
func (p *Proxy) forward(cs *connState) {
	dest, err := p.dial(context.Background(), cs.req.Addr())
	if err != nil {
		p.upstreamFailure(cs, "connect failed", err)
		return
	}
	defer dest.Close()

	if _, err := dest.Write(cs.req.Raw); err != nil {
		p.upstreamFailure(cs, "forward failed", err)
		return
	}

	var src io.Reader = dest
	if p.ReadTimeout > 0 {
		src = &deadlineReader{conn: dest, timeout: p.ReadTimeout}
	}
	src = newLimitedReader(src, p.MaxResponseSize)

	size := p.RequestBufferSize
	if size <= 0 {
		size = DefaultRequestBufferSize
	}
	written, err := io.CopyBuffer(struct{ io.Writer }{cs.conn}, src, make([]byte, size))

	switch {
	case errors.Is(err, ErrResponseTooLarge):
		if p.Metrics != nil {
			p.Metrics.RecordOversizeResponse()
		}
		p.Logger.Warn("response exceeded size cap", "host", cs.host, "limit", p.MaxResponseSize)
		p.record(cs, 502, false, AccessEntry{Bytes: written, Error: err.Error()})
	case err != nil && !(written > 0 && isTimeout(err)):
		p.upstreamFailure(cs, "forward failed", err)
	default:
		// A destination holding the connection open after its response
		// ends the transfer by timing out.
		p.record(cs, 200, false, AccessEntry{Bytes: written})
	}
}

func (p *Proxy) upstreamFailure(cs *connState, msg string, err error) {
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamError(cs.kind())
	}
	p.Logger.Warn(msg, "client", cs.clientIP, "target", cs.req.Addr(), "error", err)
	p.record(cs, 502, false, AccessEntry{Error: err.Error()})
}

// record fills the common fields of e and hands it to the recorder.
func (p *Proxy) record(cs *connState, status int, blocked bool, e AccessEntry) {
	e.AccessEvent = AccessEvent{
		ClientIP:   cs.clientIP,
		URL:        cs.req.URL,
		Method:     cs.req.Method,
		StatusCode: status,
		Blocked:    blocked,
		Timestamp:  time.Now().UTC(),
	}
	e.Host = cs.host
	e.Duration = time.Since(cs.start)

	if p.Metrics != nil {
		p.Metrics.RecordConnectionDuration(cs.kind(), status, e.Duration)
	}
	if p.Recorder == nil {
		return
	}
	if err := p.Recorder.Record(context.Background(), e); err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordAccessLogError()
		}
		p.Logger.Error("access event not stored", slog.String("url", cs.req.URL), slog.Any("error", err))
	}
}

// deadlineReader refreshes the read deadline before every read, so a
// stalled destination is abandoned after timeout without bounding the
// total transfer time.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	return r.conn.Read(p)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
