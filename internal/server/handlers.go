package server

import (
	"crypto/subtle"
	"fmt"
	"time"

	"railsync/internal/network"
	"railsync/internal/replication"
	"railsync/pkg/protocol"
)

func (s *ServerManager) registerHandlers() {
	c := s.net.Codec()
	network.Register(c, s.handleJoin)
	network.Register(c, s.handlePlayerState)
	network.Register(c, s.handlePorts)
	network.Register(c, s.handleHandbrake)
	network.Register(c, s.handleBrakeCylinderReleased)
	network.Register(c, s.handleAddCoal)
	network.Register(c, s.handleIgnite)
	network.Register(c, s.handleCouplerInteraction)
}

func (s *ServerManager) handleJoin(peer network.PeerID, req *protocol.JoinRequest) {
	if _, ok := s.players[peer]; ok {
		s.log.Warn().Uint32("peer", uint32(peer)).Msg("重复的加入请求")
		return
	}

	username, err := s.authenticate(req)
	if err != nil {
		s.reject(peer, req.Username, err)
		return
	}

	s.nextPlayerID++
	player := &Player{
		ID:       s.nextPlayerID,
		Peer:     peer,
		Username: username,
		JoinedAt: time.Now(),
	}
	resp := &protocol.JoinResponse{
		Accepted:  true,
		PlayerID:  player.ID,
		Tick:      s.tick,
		SessionID: s.sessionID,
	}
	if s.issuer != nil {
		token, jti, err := s.issuer.Issue(player.ID, username)
		if err != nil {
			s.log.Error().Err(err).Str("player", username).Msg("签发令牌失败")
		} else {
			resp.SessionToken = token
			player.SessionID = jti
		}
	}

	s.players[peer] = player
	s.playerOrder = append(s.playerOrder, peer)
	if err := s.net.Send(peer, resp); err != nil {
		s.log.Error().Err(err).Uint32("peer", uint32(peer)).Msg("发送加入响应失败")
		s.removePlayer(peer)
		return
	}
	s.net.MarkReady(peer)

	// 先绑定全部实体，再全量重同步
	for _, nc := range s.registry.All() {
		s.net.Send(peer, &protocol.EntitySpawn{EntityID: nc.NetID(), CarID: nc.Car().ID()})
	}
	s.registry.DirtyAll()

	s.observer.PlayerJoined(username)
	s.updateBeacon()
	s.log.Info().
		Str("player", username).
		Uint32("player_id", player.ID).
		Uint32("peer", uint32(peer)).
		Bool("token", req.SessionToken != "").
		Int("players", len(s.players)).
		Msg("玩家加入")
}

func (s *ServerManager) authenticate(req *protocol.JoinRequest) (string, error) {
	if s.opts.Version != "" && req.Version != s.opts.Version {
		return "", fmt.Errorf("%w: 版本不匹配 %q != %q", ErrJoinRejected, req.Version, s.opts.Version)
	}
	if s.opts.MaxPlayers > 0 && len(s.players) >= s.opts.MaxPlayers {
		return "", fmt.Errorf("%w: 服务器已满", ErrJoinRejected)
	}

	if req.SessionToken != "" {
		if s.issuer == nil {
			return "", fmt.Errorf("%w: 不接受会话令牌", ErrJoinRejected)
		}
		claims, err := s.issuer.Verify(req.SessionToken)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrJoinRejected, err)
		}
		return claims.Username, nil
	}

	if s.opts.Password != "" && subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.opts.Password)) != 1 {
		return "", fmt.Errorf("%w: 密码错误", ErrJoinRejected)
	}
	if req.Username == "" {
		return "", fmt.Errorf("%w: 用户名为空", ErrJoinRejected)
	}
	return req.Username, nil
}

// reject 回复原因后断开
func (s *ServerManager) reject(peer network.PeerID, username string, reason error) {
	s.log.Warn().Err(reason).Str("player", username).Uint32("peer", uint32(peer)).Msg("拒绝加入")
	s.observer.JoinRejected(reason.Error())
	if err := s.net.Send(peer, &protocol.JoinResponse{Reason: reason.Error()}); err != nil {
		s.log.Warn().Err(err).Uint32("peer", uint32(peer)).Msg("发送拒绝响应失败")
	}
	if err := s.net.Disconnect(peer); err != nil {
		s.log.Warn().Err(err).Uint32("peer", uint32(peer)).Msg("断开失败")
	}
}

// joined 只处理已加入玩家的消息
func (s *ServerManager) joined(peer network.PeerID, t protocol.MessageType) (*Player, bool) {
	p, ok := s.players[peer]
	if !ok {
		s.log.Warn().Uint32("peer", uint32(peer)).Stringer("type", t).Err(ErrNotJoined).Msg("忽略未加入对端的消息")
	}
	return p, ok
}

func (s *ServerManager) entity(p *Player, msg protocol.EntityMessage) (*replication.NetworkedCar, bool) {
	nc, ok := s.registry.Get(msg.Entity())
	if !ok {
		s.log.Warn().
			Str("player", p.Username).
			Uint16("entity", msg.Entity()).
			Stringer("type", msg.Type()).
			Msg("消息指向未知实体")
	}
	return nc, ok
}

func (s *ServerManager) handlePlayerState(peer network.PeerID, msg *protocol.PlayerState) {
	p, ok := s.joined(peer, msg.Type())
	if !ok {
		return
	}
	p.Position = msg.Position
	p.CarID = msg.CarID
}

func (s *ServerManager) handlePorts(peer network.PeerID, msg *protocol.PortsDelta) {
	p, ok := s.joined(peer, msg.Type())
	if !ok {
		return
	}
	nc, ok := s.entity(p, msg)
	if !ok {
		return
	}
	if !nc.ValidateClientPorts(p.requester(), msg) {
		s.observer.WriteRejected(msg.EntityID)
		return
	}
	nc.ApplyPorts(msg)
	s.net.Broadcast(msg, peer)
}

func (s *ServerManager) handleHandbrake(peer network.PeerID, msg *protocol.HandbrakeChanged) {
	p, ok := s.joined(peer, msg.Type())
	if !ok {
		return
	}
	if nc, ok := s.entity(p, msg); ok {
		nc.ApplyHandbrake(msg)
		s.net.Broadcast(msg, peer)
	}
}

func (s *ServerManager) handleBrakeCylinderReleased(peer network.PeerID, msg *protocol.BrakeCylinderReleased) {
	p, ok := s.joined(peer, msg.Type())
	if !ok {
		return
	}
	if nc, ok := s.entity(p, msg); ok {
		nc.ApplyBrakeCylinderReleased()
		s.net.Broadcast(msg, peer)
	}
}

// 加煤和点火只在主机上生效，结果通过 FireboxState 广播
func (s *ServerManager) handleAddCoal(peer network.PeerID, msg *protocol.FireboxAddCoal) {
	p, ok := s.joined(peer, msg.Type())
	if !ok {
		return
	}
	if nc, ok := s.entity(p, msg); ok {
		nc.ApplyAddCoal(msg)
	}
}

func (s *ServerManager) handleIgnite(peer network.PeerID, msg *protocol.FireboxIgnite) {
	p, ok := s.joined(peer, msg.Type())
	if !ok {
		return
	}
	if nc, ok := s.entity(p, msg); ok {
		nc.ApplyIgnite()
	}
}

func (s *ServerManager) handleCouplerInteraction(peer network.PeerID, msg *protocol.CouplerInteraction) {
	if _, ok := s.joined(peer, msg.Type()); !ok {
		return
	}
	if err := s.couplers.Apply(msg); err != nil {
		// 发送方的车钩状态已与主机不一致，下一 tick 重发纠正
		if nc, ok := s.registry.Get(msg.EntityID); ok {
			nc.MarkCouplersDirty()
		}
		return
	}
	s.net.Broadcast(msg, peer)
}
