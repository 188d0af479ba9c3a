package server

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"railsync/internal/network"
	"railsync/internal/replication"
	"railsync/internal/tick"
	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

var (
	ErrJoinRejected = errors.New("server: 拒绝加入")
	ErrNotJoined    = errors.New("server: 对端尚未加入")
)

// Options 主机参数
type Options struct {
	Name       string
	Version    string
	Password   string
	MaxPlayers int
	// Address 在局域网发现中公布的连接地址
	Address string
	// AttachThreshold 车钩收敛阈值（米），0 使用默认值
	AttachThreshold float32
	MaxIDsPerDelta  int
	// MaxInboundPerSecond 每个客户端每秒最多处理的帧数，0 使用默认值
	MaxInboundPerSecond float64
}

// DefaultMaxInboundPerSecond 默认入站帧速率上限
const DefaultMaxInboundPerSecond = 240

// ServerManager 主机端：玩家会话、端口写入权限、消息转发，
// 每 tick 推进车钩收敛并发送脏状态。
type ServerManager struct {
	log  zerolog.Logger
	opts Options

	net      *network.Manager
	registry *replication.Registry
	couplers *replication.CouplerProtocol
	issuer   *SessionIssuer
	observer Observer
	beacon   *network.Beacon

	sessionID    string
	players      map[network.PeerID]*Player
	playerOrder  []network.PeerID
	nextPlayerID uint32
	tick         uint32

	sched       *tick.Scheduler
	unsubscribe func()
}

// NewServerManager 创建主机管理器。issuer 为 nil 时不签发重连令牌。
func NewServerManager(logger zerolog.Logger, transport network.Transport, issuer *SessionIssuer, observer Observer, opts Options) *ServerManager {
	if observer == nil {
		observer = nopObserver{}
	}
	if opts.MaxInboundPerSecond <= 0 {
		opts.MaxInboundPerSecond = DefaultMaxInboundPerSecond
	}
	s := &ServerManager{
		log:       logger,
		opts:      opts,
		issuer:    issuer,
		observer:  observer,
		sessionID: uuid.NewString(),
		players:   make(map[network.PeerID]*Player),
	}
	s.net = network.NewManager(logger.With().Str("component", "network").Logger(), transport, s, network.ManagerOptions{
		Name:                "server-network",
		MaxInboundPerSecond: opts.MaxInboundPerSecond,
	})
	s.registry = replication.NewRegistry(logger.With().Str("component", "replication").Logger(), replication.Options{
		Host:           true,
		Link:           hostLink{net: s.net},
		MaxIDsPerDelta: opts.MaxIDsPerDelta,
	})
	s.couplers = replication.NewCouplerProtocol(logger.With().Str("component", "coupler").Logger(), s.registry, opts.AttachThreshold)
	s.registerHandlers()
	return s
}

// hostLink 主机的出口：广播给所有已加入的客户端
type hostLink struct {
	net *network.Manager
}

func (l hostLink) Send(msg protocol.Message) error { return l.net.Broadcast(msg) }

func (l hostLink) IsProcessingPacket() bool { return l.net.IsProcessingPacket() }

// Network 底层网络管理器
func (s *ServerManager) Network() *network.Manager { return s.net }

// Registry 实体表
func (s *ServerManager) Registry() *replication.Registry { return s.registry }

// Couplers 车钩协议
func (s *ServerManager) Couplers() *replication.CouplerProtocol { return s.couplers }

// SessionID 本次主机会话的 ID
func (s *ServerManager) SessionID() string { return s.sessionID }

// Tick 最近一次处理的 tick
func (s *ServerManager) Tick() uint32 { return s.tick }

// Start 开始监听，并挂到调度器上
func (s *ServerManager) Start(addr string, sched *tick.Scheduler) error {
	if err := s.net.Listen(addr); err != nil {
		return err
	}
	if sched != nil {
		s.sched = sched
		s.unsubscribe = sched.Subscribe(s.OnTick)
		sched.AddManager(s.net)
	}
	s.log.Info().
		Str("addr", addr).
		Str("name", s.opts.Name).
		Str("session_id", s.sessionID).
		Int("max_players", s.opts.MaxPlayers).
		Msg("主机已启动")
	return nil
}

// AttachBeacon 启用局域网发现应答
func (s *ServerManager) AttachBeacon(b *network.Beacon) {
	s.beacon = b
	s.net.AttachBeacon(b)
	s.updateBeacon()
}

// Stop 断开所有玩家并关闭网络
func (s *ServerManager) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.sched != nil {
		s.sched.RemoveManager(s.net)
		s.sched = nil
	}
	for _, peer := range append([]network.PeerID(nil), s.playerOrder...) {
		s.removePlayer(peer)
	}
	s.net.Stop()
	s.beacon = nil
	s.log.Info().Msg("主机已停止")
}

// OnTick 推进车钩收敛并发送所有脏状态
func (s *ServerManager) OnTick(tick uint32) {
	s.tick = tick
	s.couplers.Step()
	s.registry.Flush(tick)
}

// SpawnWorld 为世界中所有车辆分配网络 ID
func (s *ServerManager) SpawnWorld(world core.World) error {
	for _, car := range world.Cars() {
		if _, err := s.SpawnCar(car); err != nil {
			return err
		}
	}
	return nil
}

// SpawnCar 开始同步一辆车并通知已加入的玩家
func (s *ServerManager) SpawnCar(car core.Car) (*replication.NetworkedCar, error) {
	nc, err := s.registry.Spawn(car)
	if err != nil {
		return nil, err
	}
	if s.net.IsRunning() {
		s.net.Broadcast(&protocol.EntitySpawn{EntityID: nc.NetID(), CarID: car.ID()})
	}
	return nc, nil
}

// DespawnCar 停止同步一辆车
func (s *ServerManager) DespawnCar(carID string) bool {
	id := s.registry.NetIDOf(carID)
	if id == core.NoNetID {
		return false
	}
	if s.net.IsRunning() {
		s.net.Broadcast(&protocol.EntityDespawn{EntityID: id})
	}
	return s.registry.Remove(id)
}

// Players 已加入的玩家，按加入顺序
func (s *ServerManager) Players() []*Player {
	out := make([]*Player, 0, len(s.playerOrder))
	for _, peer := range s.playerOrder {
		out = append(out, s.players[peer])
	}
	return out
}

// Player 按对端查找玩家
func (s *ServerManager) Player(peer network.PeerID) (*Player, bool) {
	p, ok := s.players[peer]
	return p, ok
}

// Info 局域网发现中公布的信息
func (s *ServerManager) Info() protocol.ServerInfo {
	return protocol.ServerInfo{
		Name:       s.opts.Name,
		Version:    s.opts.Version,
		Address:    s.opts.Address,
		Players:    uint32(len(s.players)),
		MaxPlayers: uint32(s.opts.MaxPlayers),
	}
}

func (s *ServerManager) updateBeacon() {
	if s.beacon != nil {
		s.beacon.SetInfo(s.Info())
	}
}

// OnPeerConnected 新连接，等待 JoinRequest
func (s *ServerManager) OnPeerConnected(peer network.PeerID) {
	s.log.Debug().Uint32("peer", uint32(peer)).Msg("等待加入请求")
}

// OnPeerDisconnected 玩家离开
func (s *ServerManager) OnPeerDisconnected(peer network.PeerID, reason error) {
	if _, ok := s.players[peer]; !ok {
		return
	}
	s.removePlayer(peer)
	if reason != nil {
		s.log.Info().Err(reason).Uint32("peer", uint32(peer)).Msg("玩家连接中断")
	}
}

// OnUnconnectedMessage 主机不处理未连接消息（发现应答由 Beacon 完成）
func (s *ServerManager) OnUnconnectedMessage(addr net.Addr, data []byte) {
	s.log.Debug().Stringer("addr", addr).Int("bytes", len(data)).Msg("忽略未连接消息")
}

func (s *ServerManager) removePlayer(peer network.PeerID) {
	p, ok := s.players[peer]
	if !ok {
		return
	}
	delete(s.players, peer)
	for i, id := range s.playerOrder {
		if id == peer {
			s.playerOrder = append(s.playerOrder[:i], s.playerOrder[i+1:]...)
			break
		}
	}
	s.observer.PlayerLeft(p.Username)
	s.updateBeacon()
	s.log.Info().
		Str("player", p.Username).
		Uint32("player_id", p.ID).
		Dur("session", time.Since(p.JoinedAt)).
		Int("players", len(s.players)).
		Msg("玩家离开")
}
