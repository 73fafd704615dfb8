package proto

import (
	"fmt"
	"net"
)

// Listener accepts framed control-plane connections.
type Listener struct {
	ln net.Listener
}

// Listen binds a TCP listener at addr ("host:port").
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(nc), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
