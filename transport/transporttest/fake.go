// Package transporttest provides a synchronous, in-memory Transport fake for
// exercising core/conn and core/producer without real sockets.
package transporttest

import (
	"net"
	"sync"
)

// Fake is a transport.Transport that records writes and closes in memory.
// Safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	written  [][]byte
	stale    bool
	closing  bool
	closes   int
	lastExc  error
	sock     any
	addr     net.Addr
	closeErr error
}

// New returns a Fake transport with a unique socket identity, matching the
// default state of a just-accepted connection.
func New() *Fake {
	return &Fake{sock: new(int)}
}

// Write implements transport.Transport.
func (f *Fake) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.written = append(f.written, cp)
	return len(b), nil
}

// Close implements transport.Transport.
func (f *Fake) Close(async bool, exc error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing = true
	f.closes++
	f.lastExc = exc
	return f.closeErr
}

// IsStale implements transport.Transport.
func (f *Fake) IsStale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

// Closing implements transport.Transport.
func (f *Fake) Closing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

// Sock implements transport.Transport.
func (f *Fake) Sock() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sock
}

// Addr implements transport.Transport.
func (f *Fake) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// SetSock overrides the socket identity, to simulate a re-wrap of the same
// fd (set it to the same value as another Fake's Sock()) or a distinct one.
func (f *Fake) SetSock(s any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sock = s
}

// SetStale controls the value IsStale reports.
func (f *Fake) SetStale(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = v
}

// SetCloseErr controls the error Close returns.
func (f *Fake) SetCloseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}

// Written returns a copy of every buffer passed to Write, in order.
func (f *Fake) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// LastCloseErr returns the exc argument of the most recent Close call.
func (f *Fake) LastCloseErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastExc
}
