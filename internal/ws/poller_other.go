//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is a goroutine-per-connection fallback for non-Linux platforms so
// the server can run in local development on macOS or Windows. Linux builds
// use the real epoll implementation instead.
type Poller struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that blocks on a
// 1-byte read and signals readiness when data arrives.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

func (p *Poller) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			// Signal readiness so the read path can observe the closure.
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}

		// One byte of the frame is consumed here; the read path tolerates
		// this only in the fallback. The Linux path consumes nothing.
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains any
// additional ready connections without blocking.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; connections are tracked by value.
func socketFD(conn net.Conn) int {
	return -1
}
