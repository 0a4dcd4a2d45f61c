package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/oriys/nomad/internal/protocol"
)

// connChannel frames messages over a net.Conn: a 4-byte big-endian
// length prefix followed by the serialized frame. Both the unix-socket
// and vsock transports use it.
type connChannel struct {
	conn      net.Conn
	mu        sync.Mutex
	killed    bool
	listening bool
}

// NewConn wraps an established connection as a Channel.
func NewConn(conn net.Conn) Channel {
	return &connChannel{conn: conn}
}

// DialUnix connects to a worker listening on a unix socket.
func DialUnix(path string) (Channel, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// DialVsock connects to a worker listening on a vsock port inside a
// guest with the given context id.
func DialVsock(cid, port uint32) (Channel, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// ListenVsock listens for supervisor connections on a guest vsock port.
func ListenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

func (c *connChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return nil
	}
	if len(frame) > protocol.MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(frame))
	}

	// Batch length prefix and frame into a single write to reduce
	// syscalls.
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)
	return writeFull(c.conn, buf)
}

func (c *connChannel) Listen(onMessage func([]byte), onError func(error)) error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return ErrKilled
	}
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.listening = true
	c.mu.Unlock()

	go c.pump(onMessage, onError)
	return nil
}

func (c *connChannel) pump(onMessage func([]byte), onError func(error)) {
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
			c.pumpError(err, onError)
			return
		}
		frameLen := binary.BigEndian.Uint32(lenBuf)
		if frameLen > protocol.MaxFrameBytes {
			c.pumpError(fmt.Errorf("frame too large: %d bytes", frameLen), onError)
			return
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(c.conn, frame); err != nil {
			c.pumpError(err, onError)
			return
		}
		onMessage(frame)
	}
}

func (c *connChannel) pumpError(err error, onError func(error)) {
	c.mu.Lock()
	killed := c.killed
	c.mu.Unlock()
	if killed {
		return
	}
	onError(err)
}

func (c *connChannel) Kill() error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return nil
	}
	c.killed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func writeFull(conn net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// IsBrokenConn reports whether err indicates the peer went away, as
// opposed to a local usage error.
func IsBrokenConn(err error) bool {
	return err != nil && (errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, net.ErrClosed))
}
