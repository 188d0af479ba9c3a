package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"railsync/pkg/protocol"
)

// StreamTransport 基于字节流（KCP 会话或 TCP）的传输层，4 字节长度前缀分帧。
// 流本身可靠有序，不可靠消息同样走可靠通道。
type StreamTransport struct {
	proto    string
	dialer   streamProtocol
	opts     Options
	listener net.Listener

	mu     sync.Mutex
	conns  map[PeerID]*streamConn
	nextID atomic.Uint32

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStreamTransport 创建 kcp 或 tcp 传输层
func NewStreamTransport(proto string, opts Options) (*StreamTransport, error) {
	if proto == "" {
		proto = "kcp"
	}
	dialer, ok := streamProtocols[proto]
	if !ok {
		return nil, fmt.Errorf("不支持的协议: %s", proto)
	}
	opts = opts.withDefaults()
	return &StreamTransport{
		proto:   proto,
		dialer:  dialer,
		opts:    opts,
		conns:   make(map[PeerID]*streamConn),
		events:  make(chan Event, opts.EventBuffer),
		closeCh: make(chan struct{}),
	}, nil
}

// Addr 监听地址（未监听时为 nil）
func (t *StreamTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *StreamTransport) Listen(addr string) error {
	listener, err := t.dialer.Listen(addr)
	if err != nil {
		return fmt.Errorf("监听 %s (%s) 失败: %w", addr, t.proto, err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *StreamTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		t.register(conn)
	}
}

func (t *StreamTransport) Dial(addr string) (PeerID, error) {
	conn, err := t.dialer.Dial(addr)
	if err != nil {
		return 0, fmt.Errorf("连接 %s (%s) 失败: %w", addr, t.proto, err)
	}
	c := t.register(conn)
	// KCP 在首个数据包到达前对端看不到会话
	if err := c.send(nil); err != nil {
		return 0, err
	}
	return c.id, nil
}

func (t *StreamTransport) register(conn net.Conn) *streamConn {
	c := &streamConn{
		id:       PeerID(t.nextID.Add(1)),
		conn:     conn,
		t:        t,
		sendChan: make(chan []byte, t.opts.SendQueueSize),
		closeCh:  make(chan struct{}),
	}

	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnected, Peer: c.id, Addr: conn.RemoteAddr()})

	t.wg.Add(2)
	go c.sendLoop()
	go c.receiveLoop()
	return c
}

func (t *StreamTransport) lookup(peer PeerID) (*streamConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[peer]
	return c, ok
}

func (t *StreamTransport) remove(peer PeerID) {
	t.mu.Lock()
	delete(t.conns, peer)
	t.mu.Unlock()
}

func (t *StreamTransport) Send(peer PeerID, frame []byte, _ protocol.Reliability) error {
	c, ok := t.lookup(peer)
	if !ok {
		return ErrUnknownPeer
	}
	return c.send(frame)
}

func (t *StreamTransport) Disconnect(peer PeerID) error {
	c, ok := t.lookup(peer)
	if !ok {
		return ErrUnknownPeer
	}
	c.close(nil, true)
	return nil
}

func (t *StreamTransport) Events() <-chan Event { return t.events }

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		if t.listener != nil {
			t.listener.Close()
		}

		t.mu.Lock()
		conns := make([]*streamConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, c := range conns {
			c.close(nil, false)
		}
	})
	t.wg.Wait()
	return nil
}

func (t *StreamTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closeCh:
	}
}

// streamConn 单个流连接
type streamConn struct {
	id   PeerID
	conn net.Conn
	t    *StreamTransport

	sendChan chan []byte
	closeCh  chan struct{}
	closed   bool
	closeMu  sync.Mutex
}

// send 异步发送，nil 表示心跳（空帧）
func (c *streamConn) send(frame []byte) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	select {
	case c.sendChan <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *streamConn) close(reason error, notify bool) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	c.closeMu.Unlock()

	c.conn.Close()
	c.t.remove(c.id)

	if notify {
		c.t.emit(Event{Kind: EventDisconnected, Peer: c.id, Addr: c.conn.RemoteAddr(), Err: reason})
	}
}

func (c *streamConn) sendLoop() {
	defer c.t.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	buf := make([]byte, 0, 1024)
	idle := true
	for {
		var frame []byte
		select {
		case <-c.closeCh:
			return
		case frame = <-c.sendChan:
			idle = false
		case <-ticker.C:
			// 空闲时发送空帧维持连接
			if !idle {
				idle = true
				continue
			}
		}

		buf = binary.BigEndian.AppendUint32(buf[:0], uint32(len(frame)))
		buf = append(buf, frame...)
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(buf); err != nil {
			c.close(fmt.Errorf("发送数据失败: %w", err), true)
			return
		}
	}
}

func (c *streamConn) receiveLoop() {
	defer c.t.wg.Done()

	var header [4]byte
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.t.opts.DisconnectTimeout))
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			c.close(readError(err), true)
			return
		}

		length := binary.BigEndian.Uint32(header[:])
		if length > MaxFrameSize {
			c.close(fmt.Errorf("消息过大 (%d bytes)", length), true)
			return
		}
		if length == 0 {
			continue
		}

		data := make([]byte, length)
		_ = c.conn.SetReadDeadline(time.Now().Add(c.t.opts.DisconnectTimeout))
		if _, err := io.ReadFull(c.conn, data); err != nil {
			c.close(readError(err), true)
			return
		}

		c.t.emit(Event{Kind: EventMessage, Peer: c.id, Data: data})
	}
}

func readError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("读取超时: %w", err)
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("读取数据失败: %w", err)
}
