package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"railsync/internal/network"
	"railsync/internal/replication"
	"railsync/internal/tick"
	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

var (
	ErrJoinRejected = errors.New("client: 加入被拒绝")
	ErrNotJoined    = errors.New("client: 尚未加入主机")
)

// Options 客户端参数
type Options struct {
	Username string
	Password string
	Version  string
	// SessionToken 上次会话的重连令牌，非空时代替密码
	SessionToken string
	// AttachThreshold 车钩收敛阈值（米），0 使用默认值
	AttachThreshold float32
	MaxIDsPerDelta  int
}

// ClientManager 客户端：加入主机、绑定实体、应用主机状态并上报本地操作
type ClientManager struct {
	log      zerolog.Logger
	debugLog zerolog.Logger
	opts     Options

	net      *network.Manager
	world    core.World
	registry *replication.Registry
	couplers *replication.CouplerProtocol

	server    network.PeerID
	joined    bool
	joinErr   error
	playerID  uint32
	token     string
	sessionID string

	// 估计的主机 tick，加入时取主机的值，此后每个本地 tick 加一
	hostTick float64

	smoothers map[uint16]*CarSmoother

	player     protocol.PlayerState
	lastPlayer *protocol.PlayerState

	servers map[string]protocol.ServerInfo

	sched       *tick.Scheduler
	unsubscribe func()
}

// NewClientManager 创建客户端管理器，world 用于按车辆 ID 绑定主机的实体
func NewClientManager(logger zerolog.Logger, transport network.Transport, world core.World, opts Options) *ClientManager {
	c := &ClientManager{
		log:       logger,
		debugLog:  logger.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second}),
		opts:      opts,
		world:     world,
		token:     opts.SessionToken,
		smoothers: make(map[uint16]*CarSmoother),
		servers:   make(map[string]protocol.ServerInfo),
	}
	c.net = network.NewManager(logger.With().Str("component", "network").Logger(), transport, c, network.ManagerOptions{
		Name: "client-network",
	})
	c.registry = replication.NewRegistry(logger.With().Str("component", "replication").Logger(), replication.Options{
		Link:           clientLink{c: c},
		MaxIDsPerDelta: opts.MaxIDsPerDelta,
	})
	c.couplers = replication.NewCouplerProtocol(logger.With().Str("component", "coupler").Logger(), c.registry, opts.AttachThreshold)
	c.registerHandlers()
	return c
}

// clientLink 客户端的出口：只发给主机，加入前拒绝发送（脏状态保留）
type clientLink struct {
	c *ClientManager
}

func (l clientLink) Send(msg protocol.Message) error {
	if !l.c.joined {
		return ErrNotJoined
	}
	return l.c.net.Send(l.c.server, msg)
}

func (l clientLink) IsProcessingPacket() bool { return l.c.net.IsProcessingPacket() }

// Network 底层网络管理器
func (c *ClientManager) Network() *network.Manager { return c.net }

// Registry 实体表
func (c *ClientManager) Registry() *replication.Registry { return c.registry }

// Couplers 车钩协议
func (c *ClientManager) Couplers() *replication.CouplerProtocol { return c.couplers }

// IsJoined 是否已被主机接受
func (c *ClientManager) IsJoined() bool { return c.joined }

// JoinError 最近一次加入失败的原因
func (c *ClientManager) JoinError() error { return c.joinErr }

// PlayerID 主机分配的玩家 ID
func (c *ClientManager) PlayerID() uint32 { return c.playerID }

// SessionToken 重连令牌
func (c *ClientManager) SessionToken() string { return c.token }

// SessionID 主机会话 ID
func (c *ClientManager) SessionID() string { return c.sessionID }

// EstimatedHostTick 估计的主机 tick
func (c *ClientManager) EstimatedHostTick() float64 { return c.hostTick }

// Smoother 实体的插值缓冲
func (c *ClientManager) Smoother(id uint16) (*CarSmoother, bool) {
	s, ok := c.smoothers[id]
	return s, ok
}

// Connect 连接主机并挂到调度器上，连接建立后自动发送加入请求
func (c *ClientManager) Connect(addr string, sched *tick.Scheduler) error {
	peer, err := c.net.Connect(addr)
	if err != nil {
		return fmt.Errorf("连接主机失败: %w", err)
	}
	c.server = peer
	if sched != nil {
		c.sched = sched
		c.unsubscribe = sched.Subscribe(c.OnTick)
		sched.AddManager(c.net)
	}
	return nil
}

// Disconnect 主动断开，状态在下一次 Poll 收到断开事件时清理
func (c *ClientManager) Disconnect() error {
	return c.net.Disconnect(c.server)
}

// Stop 清理状态并关闭网络
func (c *ClientManager) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.sched != nil {
		c.sched.RemoveManager(c.net)
		c.sched = nil
	}
	c.reset()
	c.net.Stop()
}

// SetPlayerState 更新本地玩家位置与所在车辆，变化时在下一 tick 上报
func (c *ClientManager) SetPlayerState(pos core.Vec3, carID string) {
	c.player = protocol.PlayerState{Position: pos, CarID: carID}
}

// OnTick 推进时钟与车钩收敛，发送本地脏状态，采样插值
func (c *ClientManager) OnTick(uint32) {
	if !c.joined {
		return
	}
	c.hostTick++
	c.couplers.Step()
	c.registry.Flush(uint32(c.hostTick))
	c.flushPlayerState()

	renderTick := c.hostTick - InterpolationDelayTicks
	for _, nc := range c.registry.All() {
		if s, ok := c.smoothers[nc.NetID()]; ok {
			s.Apply(renderTick)
		}
	}
}

func (c *ClientManager) flushPlayerState() {
	if c.lastPlayer != nil && *c.lastPlayer == c.player {
		return
	}
	msg := c.player
	if err := c.net.Send(c.server, &msg); err != nil {
		c.debugLog.Warn().Err(err).Msg("发送玩家状态失败")
		return
	}
	c.lastPlayer = &msg
}

// reset 断线：解除所有绑定，丢弃收敛过程与插值队列，重置时钟
func (c *ClientManager) reset() {
	c.registry.Clear()
	c.couplers.Reset()
	for _, s := range c.smoothers {
		s.Clear()
	}
	c.smoothers = make(map[uint16]*CarSmoother)
	c.hostTick = 0
	c.joined = false
	c.lastPlayer = nil
}

// OnPeerConnected 连接建立，发送加入请求
func (c *ClientManager) OnPeerConnected(peer network.PeerID) {
	if peer != c.server {
		return
	}
	req := &protocol.JoinRequest{
		Username:     c.opts.Username,
		Version:      c.opts.Version,
		SessionToken: c.token,
	}
	if c.token == "" {
		req.Password = c.opts.Password
	}
	if err := c.net.Send(peer, req); err != nil {
		c.log.Error().Err(err).Msg("发送加入请求失败")
		return
	}
	c.log.Info().Str("player", c.opts.Username).Bool("token", c.token != "").Msg("已发送加入请求")
}

// OnPeerDisconnected 与主机断开
func (c *ClientManager) OnPeerDisconnected(peer network.PeerID, reason error) {
	if peer != c.server {
		return
	}
	wasJoined := c.joined
	c.reset()
	c.log.Warn().AnErr("reason", reason).Bool("joined", wasJoined).Msg("与主机断开")
}

// OnUnconnectedMessage 收集局域网发现的应答
func (c *ClientManager) OnUnconnectedMessage(addr net.Addr, data []byte) {
	info, ok := parseServerInfo(addr, data)
	if !ok {
		c.debugLog.Debug().Stringer("addr", addr).Msg("忽略未知的未连接消息")
		return
	}
	c.servers[info.Address] = info
}

// Servers 已发现的主机
func (c *ClientManager) Servers() []protocol.ServerInfo {
	return sortedServers(c.servers)
}

// AttachProbe 把发现探测的应答并入 Poll
func (c *ClientManager) AttachProbe(b *network.Beacon) {
	c.net.AttachBeacon(b)
}
