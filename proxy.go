package proxylab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Proxy is a forwarding HTTP/HTTPS proxy. CONNECT requests become opaque
// TCP tunnels; other requests are forwarded verbatim to the destination.
// Every connection is checked against the BlockList first.
type Proxy struct {
	// BlockList decides which hosts are refused.
	BlockList *BlockList

	// Recorder persists one AccessEvent per handled connection.
	Recorder *AccessRecorder

	// BlockPage renders the 403 notice (optional, uses default if nil).
	BlockPage *BlockPage

	// Logger for proxy events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// RateLimiter drops connections from clients over their budget (optional).
	RateLimiter *RateLimiter

	// Hosts tracks the most requested hosts (optional).
	Hosts *HostTracker

	// Dial opens destination connections. Defaults to a net.Dialer bounded
	// by ConnectTimeout.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// MaxConnections caps connections handled at once. Accept is not called
	// while the cap is reached.
	MaxConnections int64

	// RequestBufferSize is the byte budget for the initial client read.
	RequestBufferSize int

	// ReadTimeout bounds the initial client read and each upstream read
	// while forwarding.
	ReadTimeout time.Duration

	// ConnectTimeout bounds each destination dial.
	ConnectTimeout time.Duration

	// IdleTimeout is the tunnel liveness window.
	IdleTimeout time.Duration

	// MaxResponseSize caps a forwarded response. Zero disables the cap.
	MaxResponseSize int64

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	lastErr  error

	handlers sync.WaitGroup
}

// NewProxy creates a Proxy with default limits.
func NewProxy(bl *BlockList, rec *AccessRecorder) *Proxy {
	return &Proxy{
		BlockList:         bl,
		Recorder:          rec,
		BlockPage:         NewBlockPage(),
		Logger:            slog.Default(),
		MaxConnections:    DefaultMaxConnections,
		RequestBufferSize: DefaultRequestBufferSize,
		ReadTimeout:       DefaultReadTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxResponseSize:   DefaultMaxResponseSize,
	}
}

// Start binds addr and begins accepting connections in the background.
// It returns ErrAlreadyRunning if a listener is active, or the bind error.
func (p *Proxy) Start(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.listener = ln
	p.cancel = cancel
	p.done = make(chan struct{})
	p.lastErr = nil

	p.Logger.Info("proxy listening", "addr", ln.Addr().String())
	go p.serve(ctx, ln, p.done)
	return nil
}

// Stop closes the listener. Connections already accepted run to completion.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	ln, cancel, done := p.listener, p.cancel, p.done
	if ln == nil {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.listener = nil
	p.mu.Unlock()

	cancel()
	err := ln.Close()
	<-done

	p.Logger.Info("proxy stopped", "addr", ln.Addr().String())
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Shutdown stops the listener if running and waits for in-flight
// connections to finish or ctx to expire.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if err := p.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	idle := make(chan struct{})
	go func() {
		p.handlers.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the listener is active.
func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil
}

// Addr returns the bound listener address, or nil when stopped.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Err returns the error that ended the last accept loop, if it failed on
// its own rather than through Stop.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Proxy) serve(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	limit := p.MaxConnections
	if limit <= 0 {
		limit = DefaultMaxConnections
	}
	sem := semaphore.NewWeighted(limit)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			p.fail(ln, err)
			return
		}

		if p.RateLimiter != nil && !p.RateLimiter.Allow(conn.RemoteAddr().String()) {
			if p.Metrics != nil {
				p.Metrics.RecordRateLimited()
			}
			p.Logger.Debug("client rate limited", "client", conn.RemoteAddr().String())
			_ = conn.Close()
			sem.Release(1)
			continue
		}

		p.handlers.Add(1)
		go func() {
			defer p.handlers.Done()
			defer sem.Release(1)
			p.handleConn(conn)
		}()
	}
}

// fail marks the proxy stopped after a fatal accept error.
func (p *Proxy) fail(ln net.Listener, err error) {
	p.Logger.Error("accept failed, proxy stopped", "addr", ln.Addr().String(), "error", err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == ln {
		p.listener = nil
		p.cancel()
		p.lastErr = err
		_ = ln.Close()
	}
}

func (p *Proxy) dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.Dial != nil {
		return p.Dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
