package proto

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// DefaultSendBuffer is the per-connection send queue depth. Send never
	// blocks; it fails once this many messages are waiting on the writer.
	DefaultSendBuffer = 4096

	// DefaultFlushTimeout bounds how long Close waits for queued sends.
	DefaultFlushTimeout = 5 * time.Second
)

var (
	ErrConnClosed     = errors.New("proto: connection closed")
	ErrSendBufferFull = errors.New("proto: send buffer full")
)

// Conn is one framed, bidirectional control-plane connection. Sends are
// enqueued to a background writer; Recv reads frames directly.
type Conn struct {
	nc     net.Conn
	sendCh chan *Message
	done   chan struct{} // writer exited
	quit   chan struct{} // Close requested

	mu     sync.Mutex
	closed bool

	flushTimeout time.Duration
}

// Dial connects to a coordinator at addr ("host:port").
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newConn(nc), nil
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:           nc,
		sendCh:       make(chan *Message, DefaultSendBuffer),
		done:         make(chan struct{}),
		quit:         make(chan struct{}),
		flushTimeout: DefaultFlushTimeout,
	}
	go c.writeLoop()
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Send enqueues m for delivery. It never blocks: a full buffer or a closed
// connection returns an error. Write failures surface on the peer as a
// closed connection, and locally through Recv on the reader side.
func (c *Conn) Send(m Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()
	select {
	case c.sendCh <- &m:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Recv returns the next framed message. io.EOF signals a clean close by
// the peer; other errors indicate a mid-stream failure. Both are normally
// translated by the caller's reader loop into a synthetic MsgClosed.
func (c *Conn) Recv() (*Message, error) {
	return readFrame(c.nc)
}

// RecvTimeout is Recv bounded by a read deadline. Used by one-shot
// operator clients that expect a single reply.
func (c *Conn) RecvTimeout(d time.Duration) (*Message, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	defer c.nc.SetReadDeadline(time.Time{})
	return readFrame(c.nc)
}

// Close flushes pending sends up to the flush timeout, then shuts the
// socket down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.flushTimeout):
	}
	return c.nc.Close()
}

// writeLoop drains the send queue. After Close it keeps writing until the
// queue is empty, bounded by a write deadline on the socket.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case m := <-c.sendCh:
			if err := writeFrame(c.nc, m); err != nil {
				// The reader side observes the failure; drop the rest.
				c.drain()
				return
			}
		case <-c.quit:
			c.nc.SetWriteDeadline(time.Now().Add(c.flushTimeout))
			for {
				select {
				case m := <-c.sendCh:
					if err := writeFrame(c.nc, m); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) drain() {
	for {
		select {
		case <-c.sendCh:
		case <-c.quit:
			return
		default:
			return
		}
	}
}
