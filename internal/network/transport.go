package network

import (
	"fmt"
	"net"

	"railsync/pkg/protocol"
)

// PeerID 传输层分配的对端标识，0 表示无
type PeerID uint32

// EventKind 传输事件类型
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
	// EventUnconnected 未建立连接的数据报（局域网发现等）
	EventUnconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventUnconnected:
		return "unconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event 由传输层的 goroutine 产生，只在 Poll 中消费
type Event struct {
	Kind EventKind
	Peer PeerID
	Addr net.Addr
	Data []byte
	Err  error // 断开原因
}

// Transport 消息投递（外部协作者）。
// 实现可以在内部使用 goroutine，但所有事件都必须经由 Events 交给调用方。
type Transport interface {
	Listen(addr string) error
	Dial(addr string) (PeerID, error)
	Send(peer PeerID, frame []byte, rel protocol.Reliability) error
	Disconnect(peer PeerID) error
	Events() <-chan Event
	Close() error
}

// NewTransport 按名称创建传输层
func NewTransport(kind string, opts Options) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch kind {
	case "", "kcp", "tcp":
		t, err = NewStreamTransport(kind, opts)
	case "quic":
		t, err = NewQuicTransport(opts)
	default:
		return nil, fmt.Errorf("不支持的传输协议: %s", kind)
	}
	if err != nil {
		return nil, err
	}
	if opts.Conditions.Enabled() {
		t = NewConditionedTransport(t, opts.Conditions)
	}
	return t, nil
}
