package network

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"railsync/pkg/protocol"
)

var discoveryRequest = []byte("RAILSYNC?")

const maxDatagramSize = 1400

// Beacon 局域网发现：服务端应答探测包，客户端收集应答。
// 应答作为未连接消息交给 NetworkManager 的 OnUnconnectedMessage。
type Beacon struct {
	conn *net.UDPConn
	info atomic.Pointer[protocol.ServerInfo]

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenBeacon 在 UDP 地址上应答发现请求
func ListenBeacon(addr string, info protocol.ServerInfo) (*Beacon, error) {
	b, err := newBeacon(addr)
	if err != nil {
		return nil, err
	}
	b.SetInfo(info)
	return b, nil
}

// NewProbe 创建只用于发送探测的客户端 Beacon
func NewProbe() (*Beacon, error) {
	return newBeacon(":0")
}

func newBeacon(addr string) (*Beacon, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s 失败: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s (udp) 失败: %w", addr, err)
	}
	b := &Beacon{
		conn:    conn,
		events:  make(chan Event, 64),
		closeCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// Addr 本地地址
func (b *Beacon) Addr() net.Addr { return b.conn.LocalAddr() }

// SetInfo 更新应答内容
func (b *Beacon) SetInfo(info protocol.ServerInfo) {
	b.info.Store(&info)
}

// Probe 向目标地址（可为广播地址）发送探测
func (b *Beacon) Probe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("解析地址 %s 失败: %w", addr, err)
	}
	_, err = b.conn.WriteToUDP(discoveryRequest, udpAddr)
	return err
}

// Events 收到的未连接消息
func (b *Beacon) Events() <-chan Event { return b.events }

// Close 关闭
func (b *Beacon) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeCh)
		err = b.conn.Close()
	})
	b.wg.Wait()
	return err
}

func (b *Beacon) readLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-b.closeCh:
				return
			default:
				continue
			}
		}

		if bytes.Equal(buf[:n], discoveryRequest) {
			if info := b.info.Load(); info != nil {
				_, _ = b.conn.WriteToUDP(protocol.MarshalFrame(info), from)
			}
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		select {
		case b.events <- Event{Kind: EventUnconnected, Addr: from, Data: data}:
		case <-b.closeCh:
			return
		default:
			// 队列满，丢弃
		}
	}
}
