package proxylab

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Relay moves bytes between the two ends of a tunnel.
type Relay struct {
	// IdleTimeout ends the session when neither side has produced data for
	// this long. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// ChunkSize is the largest single read. Zero means DefaultRelayChunkSize.
	ChunkSize int
}

// RelayStats counts bytes moved in each direction.
type RelayStats struct {
	ClientToDest int64
	DestToClient int64
}

// Run copies client to dest and dest to client until either side closes,
// an I/O error occurs, or the tunnel goes idle. Bytes are written through
// unmodified and in order per direction. When one direction ends, the other
// is interrupted by expiring the deadlines on both connections; the caller
// still owns closing them.
func (r Relay) Run(client, dest net.Conn) RelayStats {
	idle := r.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	chunk := r.ChunkSize
	if chunk <= 0 {
		chunk = DefaultRelayChunkSize
	}

	s := &relaySession{idle: idle, chunk: chunk, done: make(chan struct{})}
	s.touch()

	var stats RelayStats
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stats.ClientToDest = s.pipe(dest, client)
		s.stop(client, dest)
	}()
	go func() {
		defer wg.Done()
		stats.DestToClient = s.pipe(client, dest)
		s.stop(client, dest)
	}()
	wg.Wait()

	return stats
}

type relaySession struct {
	idle  time.Duration
	chunk int

	lastActivity atomic.Int64 // unix nanos, shared by both directions
	done         chan struct{}
	once         sync.Once
}

func (s *relaySession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *relaySession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *relaySession) stop(conns ...net.Conn) {
	s.once.Do(func() {
		close(s.done)
		now := time.Now()
		for _, c := range conns {
			_ = c.SetDeadline(now)
		}
	})
}

// pipe copies src to dst. A read timeout is tolerated while the other
// direction has been active within the idle window.
func (s *relaySession) pipe(dst, src net.Conn) int64 {
	buf := make([]byte, s.chunk)
	var total int64

	for {
		select {
		case <-s.done:
			return total
		default:
		}

		_ = src.SetReadDeadline(time.Now().Add(s.idle))
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total
			}
			total += int64(n)
		}
		if err == nil {
			continue
		}

		if !isTimeout(err) {
			return total
		}
		if s.idleFor() >= s.idle {
			return total
		}
	}
}
