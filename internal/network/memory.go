package network

import (
	"fmt"
	"sync"

	"railsync/pkg/protocol"
)

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }

// MemoryNetwork 进程内网络，测试用，不占用端口
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryTransport
	anon      int
}

// NewMemoryNetwork 创建进程内网络
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryTransport)}
}

// NewTransport 创建挂在该网络上的传输层
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	n.mu.Lock()
	n.anon++
	addr := fmt.Sprintf("mem-%d", n.anon)
	n.mu.Unlock()

	return &MemoryTransport{
		network: n,
		addr:    addr,
		links:   make(map[PeerID]memoryLink),
		events:  make(chan Event, DefaultEventBuffer),
	}
}

type memoryLink struct {
	remote   *MemoryTransport
	remoteID PeerID
}

// MemoryTransport 进程内传输层，发送即投递到对端事件队列
type MemoryTransport struct {
	network *MemoryNetwork
	addr    string

	mu       sync.Mutex
	links    map[PeerID]memoryLink
	nextID   PeerID
	closed   bool
	dropNext int

	events chan Event
}

// Addr 本端地址
func (t *MemoryTransport) Addr() string { return t.addr }

// DropNext 丢弃接下来 n 个发出的帧（模拟丢包）
func (t *MemoryTransport) DropNext(n int) {
	t.mu.Lock()
	t.dropNext = n
	t.mu.Unlock()
}

func (t *MemoryTransport) Listen(addr string) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, exists := t.network.listeners[addr]; exists {
		return fmt.Errorf("地址已被占用: %s", addr)
	}
	t.addr = addr
	t.network.listeners[addr] = t
	return nil
}

func (t *MemoryTransport) Dial(addr string) (PeerID, error) {
	t.network.mu.Lock()
	remote, ok := t.network.listeners[addr]
	t.network.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("连接 %s 失败: 无监听者", addr)
	}

	localID := t.allocate()
	remoteID := remote.allocate()

	t.mu.Lock()
	t.links[localID] = memoryLink{remote: remote, remoteID: remoteID}
	t.mu.Unlock()
	remote.mu.Lock()
	remote.links[remoteID] = memoryLink{remote: t, remoteID: localID}
	remote.mu.Unlock()

	remote.push(Event{Kind: EventConnected, Peer: remoteID, Addr: memAddr(t.addr)})
	t.push(Event{Kind: EventConnected, Peer: localID, Addr: memAddr(addr)})
	return localID, nil
}

func (t *MemoryTransport) allocate() PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *MemoryTransport) Send(peer PeerID, frame []byte, _ protocol.Reliability) error {
	t.mu.Lock()
	link, ok := t.links[peer]
	drop := t.dropNext > 0
	if drop {
		t.dropNext--
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if drop {
		return nil
	}

	data := append([]byte(nil), frame...)
	if !link.remote.push(Event{Kind: EventMessage, Peer: link.remoteID, Data: data}) {
		return ErrSendQueueFull
	}
	return nil
}

// SendUnconnected 向某地址发送未连接消息
func (t *MemoryTransport) SendUnconnected(addr string, data []byte) error {
	t.network.mu.Lock()
	remote, ok := t.network.listeners[addr]
	t.network.mu.Unlock()
	if !ok {
		return fmt.Errorf("地址不存在: %s", addr)
	}
	remote.push(Event{Kind: EventUnconnected, Addr: memAddr(t.addr), Data: append([]byte(nil), data...)})
	return nil
}

func (t *MemoryTransport) Disconnect(peer PeerID) error {
	t.mu.Lock()
	link, ok := t.links[peer]
	delete(t.links, peer)
	t.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}

	link.remote.mu.Lock()
	delete(link.remote.links, link.remoteID)
	link.remote.mu.Unlock()

	link.remote.push(Event{Kind: EventDisconnected, Peer: link.remoteID, Err: fmt.Errorf("对端断开")})
	t.push(Event{Kind: EventDisconnected, Peer: peer})
	return nil
}

func (t *MemoryTransport) Events() <-chan Event { return t.events }

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	peers := make([]PeerID, 0, len(t.links))
	for id := range t.links {
		peers = append(peers, id)
	}
	t.mu.Unlock()

	for _, id := range peers {
		t.Disconnect(id)
	}

	t.network.mu.Lock()
	if t.network.listeners[t.addr] == t {
		delete(t.network.listeners, t.addr)
	}
	t.network.mu.Unlock()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// push 非阻塞投递，已关闭或队列满时返回 false
func (t *MemoryTransport) push(ev Event) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	select {
	case t.events <- ev:
		return true
	default:
		return false
	}
}
