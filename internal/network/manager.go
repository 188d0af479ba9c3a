package network

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"railsync/pkg/protocol"
)

// 单帧字节数超过该值时立即发送，剩余消息进入下一帧
const flushThreshold = MaxFrameSize - 4096

// Hooks 角色相关的回调（服务端/客户端分别实现）
type Hooks interface {
	OnPeerConnected(peer PeerID)
	OnPeerDisconnected(peer PeerID, reason error)
	// OnUnconnectedMessage 局域网发现等未连接消息，直接透传
	OnUnconnectedMessage(addr net.Addr, data []byte)
}

// ManagerOptions 管理器参数
type ManagerOptions struct {
	// Name 调度器与日志中使用的名字
	Name string
	// MaxInboundPerSecond 每个对端每秒最多处理的帧数，0 表示不限
	MaxInboundPerSecond float64
	InboundBurst        int
	// MaxEventsPerPoll 单次 Poll 最多处理的事件数，剩余的留到下一 tick
	MaxEventsPerPoll int
}

type outbox struct {
	reliable   []byte
	unreliable []byte
}

type peerState struct {
	id      PeerID
	addr    net.Addr
	ready   bool
	limiter *rate.Limiter
	out     outbox
}

// Manager 角色无关的网络管理器：持有传输层、分发表、发送缓冲与重入标志。
// 所有方法都只在 tick 线程上调用。
type Manager struct {
	log      zerolog.Logger
	debugLog zerolog.Logger

	transport Transport
	codec     *Codec
	hooks     Hooks
	opts      ManagerOptions
	stats     Statistics

	running    bool
	processing bool

	peers     map[PeerID]*peerState
	peerOrder []PeerID

	beacon *Beacon
}

// NewManager 创建网络管理器
func NewManager(logger zerolog.Logger, transport Transport, hooks Hooks, opts ManagerOptions) *Manager {
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = int(opts.MaxInboundPerSecond) + 1
	}
	if opts.MaxEventsPerPoll <= 0 {
		opts.MaxEventsPerPoll = DefaultEventBuffer
	}
	return &Manager{
		log:       logger,
		debugLog:  logger.Sample(&zerolog.BurstSampler{Burst: 20, Period: time.Second}),
		transport: transport,
		codec:     NewCodec(),
		hooks:     hooks,
		opts:      opts,
		peers:     make(map[PeerID]*peerState),
	}
}

// Codec 分发表，用于注册消息处理函数
func (m *Manager) Codec() *Codec { return m.codec }

// IsRunning 是否已启动
func (m *Manager) IsRunning() bool { return m.running }

// IsProcessingPacket 当前是否处于网络消息分发中。
// 只是回声抑制的标记，不是锁：所有访问都在同一线程。
func (m *Manager) IsProcessingPacket() bool { return m.processing }

// Stats 统计计数
func (m *Manager) Stats() *Statistics { return &m.stats }

// Listen 作为主机启动
func (m *Manager) Listen(addr string) error {
	m.mustNotRun()
	if err := m.transport.Listen(addr); err != nil {
		return err
	}
	m.running = true
	m.log.Info().Str("addr", addr).Msg("开始监听")
	return nil
}

// Connect 作为客户端启动
func (m *Manager) Connect(addr string) (PeerID, error) {
	m.mustNotRun()
	peer, err := m.transport.Dial(addr)
	if err != nil {
		return 0, err
	}
	m.running = true
	m.log.Info().Str("addr", addr).Uint32("peer", uint32(peer)).Msg("已连接")
	return peer, nil
}

func (m *Manager) mustNotRun() {
	if m.running {
		panic("network: 管理器已在运行")
	}
}

// AttachBeacon 把局域网发现的应答并入事件处理
func (m *Manager) AttachBeacon(b *Beacon) {
	m.beacon = b
}

// Stop 关闭传输层，可重复调用
func (m *Manager) Stop() {
	if !m.running {
		return
	}
	m.running = false
	if err := m.transport.Close(); err != nil {
		m.log.Warn().Err(err).Msg("关闭传输层失败")
	}
	if m.beacon != nil {
		m.beacon.Close()
		m.beacon = nil
	}
	m.peers = make(map[PeerID]*peerState)
	m.peerOrder = nil
	m.log.Info().Msg("网络管理器已停止")
}

// Name 调度器中的名字
func (m *Manager) Name() string {
	if m.opts.Name == "" {
		return "network"
	}
	return m.opts.Name
}

// Poll 非阻塞地处理待处理事件（至多 MaxEventsPerPoll 个），最后发送缓冲的消息
func (m *Manager) Poll() {
	if !m.running {
		return
	}

	var beaconEvents <-chan Event
	if m.beacon != nil {
		beaconEvents = m.beacon.Events()
	}

	for range m.opts.MaxEventsPerPoll {
		select {
		case ev := <-m.transport.Events():
			m.handleEvent(ev)
		case ev := <-beaconEvents:
			m.handleEvent(ev)
		default:
			m.Flush()
			return
		}
		if !m.running {
			return
		}
	}
	m.debugLog.Warn().Int("limit", m.opts.MaxEventsPerPoll).Msg("单次轮询事件数达到上限，剩余事件延后处理")
	m.Flush()
}

func (m *Manager) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		p := &peerState{id: ev.Peer, addr: ev.Addr}
		if m.opts.MaxInboundPerSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(m.opts.MaxInboundPerSecond), m.opts.InboundBurst)
		}
		m.peers[ev.Peer] = p
		m.peerOrder = append(m.peerOrder, ev.Peer)
		m.log.Info().Uint32("peer", uint32(ev.Peer)).Stringer("addr", ev.Addr).Msg("对端已连接")
		m.hooks.OnPeerConnected(ev.Peer)

	case EventDisconnected:
		if _, ok := m.peers[ev.Peer]; !ok {
			return
		}
		m.removePeer(ev.Peer)
		m.log.Info().Uint32("peer", uint32(ev.Peer)).AnErr("reason", ev.Err).Msg("对端已断开")
		m.hooks.OnPeerDisconnected(ev.Peer, ev.Err)

	case EventMessage:
		p, ok := m.peers[ev.Peer]
		if !ok {
			return
		}
		m.stats.PacketsReceived.Add(1)
		m.stats.BytesReceived.Add(uint64(len(ev.Data)))
		if p.limiter != nil && !p.limiter.Allow() {
			m.stats.DroppedMessages.Add(1)
			m.debugLog.Warn().Uint32("peer", uint32(ev.Peer)).Msg("入站速率超限，丢弃数据包")
			return
		}
		m.dispatch(ev.Peer, ev.Data)

	case EventUnconnected:
		m.processing = true
		defer func() { m.processing = false }()
		m.hooks.OnUnconnectedMessage(ev.Addr, ev.Data)
	}
}

func (m *Manager) dispatch(peer PeerID, frame []byte) {
	m.processing = true
	defer func() { m.processing = false }()

	handled, errs := m.codec.Dispatch(peer, frame)
	m.stats.MessagesReceived.Add(uint64(handled))
	for _, err := range errs {
		m.stats.DecodeFailures.Add(1)
		m.log.Warn().Err(err).Uint32("peer", uint32(peer)).Msg("解析消息失败")
	}
}

func (m *Manager) removePeer(peer PeerID) {
	delete(m.peers, peer)
	for i, id := range m.peerOrder {
		if id == peer {
			m.peerOrder = append(m.peerOrder[:i], m.peerOrder[i+1:]...)
			break
		}
	}
}

// MarkReady 标记对端可接收广播（服务端在加入成功后调用）
func (m *Manager) MarkReady(peer PeerID) {
	if p, ok := m.peers[peer]; ok {
		p.ready = true
	}
}

// IsReady 对端是否可接收广播
func (m *Manager) IsReady(peer PeerID) bool {
	p, ok := m.peers[peer]
	return ok && p.ready
}

// Peers 已连接的对端，按连接顺序
func (m *Manager) Peers() []PeerID {
	return append([]PeerID(nil), m.peerOrder...)
}

// PeerAddr 对端地址
func (m *Manager) PeerAddr(peer PeerID) net.Addr {
	if p, ok := m.peers[peer]; ok {
		return p.addr
	}
	return nil
}

// Disconnect 主动断开
func (m *Manager) Disconnect(peer PeerID) error {
	if !m.running {
		return ErrNotRunning
	}
	if _, ok := m.peers[peer]; !ok {
		return ErrUnknownPeer
	}
	m.flushPeer(m.peers[peer])
	return m.transport.Disconnect(peer)
}

// Send 按消息自身的投递语义发送
func (m *Manager) Send(peer PeerID, msg protocol.Message) error {
	return m.SendWith(peer, msg, msg.Reliability())
}

// SendWith 指定投递语义发送。消息先进入缓冲，在 Poll 结束或缓冲满时成帧发送。
func (m *Manager) SendWith(peer PeerID, msg protocol.Message, rel protocol.Reliability) error {
	if !m.running {
		return ErrNotRunning
	}
	p, ok := m.peers[peer]
	if !ok {
		return fmt.Errorf("发送 %s 到 %d: %w", msg.Type(), peer, ErrUnknownPeer)
	}
	m.enqueue(p, msg, rel)
	return nil
}

// Broadcast 发送给所有就绪的对端，except 中的除外
func (m *Manager) Broadcast(msg protocol.Message, except ...PeerID) error {
	if !m.running {
		return ErrNotRunning
	}
	for _, id := range m.peerOrder {
		p := m.peers[id]
		if !p.ready || contains(except, id) {
			continue
		}
		m.enqueue(p, msg, msg.Reliability())
	}
	return nil
}

func contains(ids []PeerID, id PeerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (m *Manager) enqueue(p *peerState, msg protocol.Message, rel protocol.Reliability) {
	m.stats.MessagesSent.Add(1)
	m.debugLog.Debug().Uint32("peer", uint32(p.id)).Stringer("type", msg.Type()).Msg("发送消息")

	buf := &p.out.reliable
	if rel == protocol.Unreliable {
		buf = &p.out.unreliable
	}
	*buf = protocol.AppendEnvelope(*buf, msg)
	if len(*buf) >= flushThreshold {
		m.sendFrame(p, rel, *buf)
		*buf = (*buf)[:0]
	}
}

// Flush 发送所有缓冲的消息
func (m *Manager) Flush() {
	if !m.running {
		return
	}
	for _, id := range m.peerOrder {
		m.flushPeer(m.peers[id])
	}
}

func (m *Manager) flushPeer(p *peerState) {
	if len(p.out.reliable) > 0 {
		m.sendFrame(p, protocol.ReliableOrdered, p.out.reliable)
		p.out.reliable = p.out.reliable[:0]
	}
	if len(p.out.unreliable) > 0 {
		m.sendFrame(p, protocol.Unreliable, p.out.unreliable)
		p.out.unreliable = p.out.unreliable[:0]
	}
}

func (m *Manager) sendFrame(p *peerState, rel protocol.Reliability, frame []byte) {
	data := append([]byte(nil), frame...)
	if err := m.transport.Send(p.id, data, rel); err != nil {
		m.stats.DroppedMessages.Add(1)
		m.log.Warn().Err(err).Uint32("peer", uint32(p.id)).Stringer("reliability", rel).Msg("发送失败")
		return
	}
	m.stats.PacketsSent.Add(1)
	m.stats.BytesSent.Add(uint64(len(data)))
}
