package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"railsync/pkg/protocol"
)

const quicALPN = "railsync"

// QuicTransport 基于 QUIC：可靠消息走单条有序流，不可靠消息走数据报
type QuicTransport struct {
	opts     Options
	config   *quic.Config
	listener *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[PeerID]*quicConn
	nextID atomic.Uint32

	events    chan Event
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQuicTransport 创建 QUIC 传输层
func NewQuicTransport(opts Options) (*QuicTransport, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &QuicTransport{
		opts: opts,
		config: &quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  opts.DisconnectTimeout,
			KeepAlivePeriod: heartbeatInterval,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[PeerID]*quicConn),
		events: make(chan Event, opts.EventBuffer),
	}, nil
}

// Addr 监听地址
func (t *QuicTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *QuicTransport) Listen(addr string) error {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return fmt.Errorf("生成 TLS 配置失败: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsConf, t.config)
	if err != nil {
		return fmt.Errorf("监听 %s (quic) 失败: %w", addr, err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *QuicTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			// 监听器关闭
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			// 客户端打开的可靠流
			stream, err := conn.AcceptStream(t.ctx)
			if err != nil {
				conn.CloseWithError(quic.ApplicationErrorCode(0x0a), "no stream")
				return
			}
			t.register(conn, stream)
		}()
	}
}

func (t *QuicTransport) Dial(addr string) (PeerID, error) {
	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	defer cancel()

	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, t.config)
	if err != nil {
		return 0, fmt.Errorf("连接 %s (quic) 失败: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return 0, fmt.Errorf("打开流失败: %w", err)
	}
	c := t.register(conn, stream)
	// 对端在收到数据后才能 AcceptStream
	if err := c.sendReliable(nil); err != nil {
		return 0, err
	}
	return c.id, nil
}

func (t *QuicTransport) register(conn quic.Connection, stream quic.Stream) *quicConn {
	c := &quicConn{
		id:       PeerID(t.nextID.Add(1)),
		conn:     conn,
		stream:   stream,
		t:        t,
		sendChan: make(chan []byte, t.opts.SendQueueSize),
		closeCh:  make(chan struct{}),
	}

	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()

	t.emit(Event{Kind: EventConnected, Peer: c.id, Addr: conn.RemoteAddr()})

	t.wg.Add(3)
	go c.writeLoop()
	go c.readLoop()
	go c.datagramLoop()
	return c
}

func (t *QuicTransport) lookup(peer PeerID) (*quicConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[peer]
	return c, ok
}

func (t *QuicTransport) Send(peer PeerID, frame []byte, rel protocol.Reliability) error {
	c, ok := t.lookup(peer)
	if !ok {
		return ErrUnknownPeer
	}
	if rel == protocol.Unreliable {
		if err := c.conn.SendDatagram(frame); err == nil {
			return nil
		}
		// 数据报过大或对端不支持时退回可靠流
	}
	return c.sendReliable(frame)
}

func (t *QuicTransport) Disconnect(peer PeerID) error {
	c, ok := t.lookup(peer)
	if !ok {
		return ErrUnknownPeer
	}
	c.close(nil, true)
	return nil
}

func (t *QuicTransport) Events() <-chan Event { return t.events }

func (t *QuicTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.listener != nil {
			t.listener.Close()
		}

		t.mu.Lock()
		conns := make([]*quicConn, 0, len(t.conns))
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

func (t *QuicTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

type quicConn struct {
	id     PeerID
	conn   quic.Connection
	stream quic.Stream
	t      *QuicTransport

	sendChan chan []byte
	closeCh  chan struct{}
	closed   bool
	closeMu  sync.Mutex
}

func (c *quicConn) sendReliable(frame []byte) error {
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

func (c *quicConn) close(reason error, notify bool) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	c.closeMu.Unlock()

	c.conn.CloseWithError(0, "")

	c.t.mu.Lock()
	delete(c.t.conns, c.id)
	c.t.mu.Unlock()

	if notify {
		c.t.emit(Event{Kind: EventDisconnected, Peer: c.id, Addr: c.conn.RemoteAddr(), Err: reason})
	}
}

func (c *quicConn) writeLoop() {
	defer c.t.wg.Done()

	buf := make([]byte, 0, 1024)
	for {
		select {
		case <-c.closeCh:
			return
		case frame := <-c.sendChan:
			buf = binary.BigEndian.AppendUint32(buf[:0], uint32(len(frame)))
			buf = append(buf, frame...)
			_ = c.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.stream.Write(buf); err != nil {
				c.close(fmt.Errorf("发送数据失败: %w", err), true)
				return
			}
		}
	}
}

func (c *quicConn) readLoop() {
	defer c.t.wg.Done()

	var header [4]byte
	for {
		if _, err := io.ReadFull(c.stream, header[:]); err != nil {
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
		if _, err := io.ReadFull(c.stream, data); err != nil {
			c.close(readError(err), true)
			return
		}
		c.t.emit(Event{Kind: EventMessage, Peer: c.id, Data: data})
	}
}

func (c *quicConn) datagramLoop() {
	defer c.t.wg.Done()

	ctx := c.conn.Context()
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			// 连接关闭由 readLoop 上报
			return
		}
		c.t.emit(Event{Kind: EventMessage, Peer: c.id, Data: data})
	}
}

// generateTLSConfig 自签名证书，QUIC 强制 TLS，这里不作为安全手段
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   []string{quicALPN},
	}, nil
}
