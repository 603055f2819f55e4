package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Handler receives connection lifecycle and application messages.
// Acknowledgements have already been written when a callback runs.
type Handler interface {
	OnConnect(c *Conn)
	OnSubscribe(c *Conn)
	OnPublish(c *Conn, topic string, payload []byte)
	OnClose(c *Conn)
}

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn is one device connection. Incoming bytes accumulate in a buffer that
// only gives up complete frames, so frames split or coalesced by TCP decode
// the same as frames delivered one per read.
type Conn struct {
	rw      io.ReadWriteCloser
	remote  string
	handler Handler

	buf []byte

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps rw. remote is used for logging only.
func NewConn(rw io.ReadWriteCloser, remote string, h Handler) *Conn {
	return &Conn{rw: rw, remote: remote, handler: h, closed: make(chan struct{})}
}

// RemoteAddr returns the peer address given at construction.
func (c *Conn) RemoteAddr() string { return c.remote }

// Serve reads until the connection fails or is closed, then reports OnClose.
func (c *Conn) Serve() error {
	defer c.handler.OnClose(c)
	defer c.Close()

	tmp := make([]byte, 4096)
	for {
		n, err := c.rw.Read(tmp)
		if n > 0 {
			c.Feed(tmp[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.isClosed() {
				return nil
			}
			return fmt.Errorf("read %s: %w", c.remote, err)
		}
	}
}

// Feed appends data to the receive buffer and dispatches every complete frame.
// Trailing partial frames stay buffered for the next call.
func (c *Conn) Feed(data []byte) {
	c.buf = append(c.buf, data...)
	for len(c.buf) > 0 {
		f, n, err := Decode(c.buf)
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			slog.Warn("discarding undecodable bytes", "remote", c.remote, "bytes", len(c.buf), "err", err)
			c.buf = c.buf[:0]
			break
		}
		// Copy the body out before the buffer is compacted.
		f.Body = append([]byte(nil), f.Body...)
		c.buf = c.buf[:copy(c.buf, c.buf[n:])]
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f Frame) {
	slog.Debug("frame received", "remote", c.remote, "type", f.Type, "qos", f.QoS, "bytes", len(f.Body))
	switch f.Type {
	case Connect:
		c.logWrite(c.writeFrame(Connack, 0, connackAccepted, 0), Connack)

	case Subscribe:
		if len(f.Body) < 2 {
			slog.Warn("subscribe without packet id", "remote", c.remote)
			return
		}
		packetID := uint16(f.Body[0])<<8 | uint16(f.Body[1])
		c.logWrite(c.writeFrame(Suback, 0, subackGranted, packetID), Suback)
		c.handler.OnSubscribe(c)

	case Publish:
		msg, err := ParsePublish(f)
		if err != nil {
			slog.Warn("bad publish", "remote", c.remote, "err", err)
			return
		}
		if msg.QoS > 0 {
			// Acknowledge first so the device never stalls retransmitting.
			c.logWrite(c.writeFrame(Puback, 0, nil, msg.PacketID), Puback)
		}
		c.handler.OnPublish(c, msg.Topic, msg.Payload)

	case Pingreq:
		c.logWrite(c.writeFrame(Pingresp, 0, nil, 0), Pingresp)

	case Disconnect:
		slog.Info("device disconnected", "remote", c.remote)
		c.Close()

	default:
		slog.Debug("ignoring frame", "remote", c.remote, "type", f.Type)
	}
}

func (c *Conn) logWrite(err error, t PacketType) {
	if err != nil {
		slog.Warn("write failed", "remote", c.remote, "type", t, "err", err)
	}
}

func (c *Conn) writeFrame(t PacketType, flags byte, payload []byte, packetID uint16) error {
	return c.write(Encode(t, flags, payload, packetID))
}

// write sends one complete frame in a single call.
func (c *Conn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return io.ErrClosedPipe
	}
	if d, ok := c.rw.(deadliner); ok {
		d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := c.rw.Write(frame)
	return err
}

// Publish sends payload on topic with QoS 1 framing. The device's PUBACK is
// not awaited.
func (c *Conn) Publish(topic string, packetID uint16, payload []byte) error {
	return c.write(EncodePublish(topic, 1, packetID, payload))
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rw.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
