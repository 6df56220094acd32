package peer

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/telemetry"
)

const (
	// DefaultSendQueue is the number of encoded records buffered per link.
	DefaultSendQueue = 64

	writeTimeout = 10 * time.Second
	maxRecord    = 1 << 20
)

// Conn is one duplex link. Records are written by a dedicated goroutine fed
// from a bounded queue, so Send never blocks on the network and concurrent
// callers are serialized.
type Conn struct {
	conn net.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	readOnce  sync.Once
	peer      atomic.Pointer[Peer]

	log *zap.Logger
}

// NewConn wraps c and starts its writer. queueLen <= 0 selects
// DefaultSendQueue.
func NewConn(c net.Conn, queueLen int, log *zap.Logger) *Conn {
	if queueLen <= 0 {
		queueLen = DefaultSendQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	pc := &Conn{
		conn: c,
		send: make(chan []byte, queueLen),
		done: make(chan struct{}),
		log:  log.With(zap.String("remote", c.RemoteAddr().String())),
	}
	go pc.writeLoop()
	return pc
}

// Send queues msg as one record. It reports false when the link is closed or
// its queue is full; the record is dropped in both cases.
func (c *Conn) Send(msg message.Message) bool {
	if !c.IsConnected() {
		return false
	}
	data, err := message.Marshal(msg)
	if err != nil {
		c.log.Warn("encode failed", zap.Error(err))
		return false
	}
	data = append(data, '\n')

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		telemetry.SendDropped.Inc()
		c.log.Warn("send queue full, dropping message", zap.String("id", msg.ID))
		return false
	}
}

// StartReading runs the receive loop in its own goroutine. onMessage is
// called once per decoded record in arrival order; malformed records are
// skipped. When the stream ends or fails the link is closed and onClose is
// called exactly once. Only the first call has any effect.
func (c *Conn) StartReading(onMessage func(message.Message), onClose func()) {
	c.readOnce.Do(func() {
		go c.readLoop(onMessage, onClose)
	})
}

func (c *Conn) readLoop(onMessage func(message.Message), onClose func()) {
	defer func() {
		c.Close()
		if onClose != nil {
			onClose()
		}
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRecord)
	for scanner.Scan() {
		msg, err := message.Unmarshal(scanner.Bytes())
		if err != nil {
			c.log.Debug("ignoring malformed record", zap.Error(err))
			continue
		}
		onMessage(msg)
	}

	if err := scanner.Err(); err != nil && c.IsConnected() && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		c.log.Info("read error", zap.Error(err))
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(data); err != nil {
				if c.IsConnected() {
					c.log.Info("write error", zap.Error(err))
				}
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// IsConnected reports whether the link is still open.
func (c *Conn) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the link closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close releases the socket. It is safe to call more than once; a pending
// read ends and fires the onClose callback.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// RemoteHost is the remote IP address without port.
func (c *Conn) RemoteHost() string {
	addr := c.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Peer returns the identity attached at handshake, or nil before it.
func (c *Conn) Peer() *Peer {
	return c.peer.Load()
}

func (c *Conn) SetPeer(p Peer) {
	c.peer.Store(&p)
}
