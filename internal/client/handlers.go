package client

import (
	"fmt"

	"railsync/internal/network"
	"railsync/internal/replication"
	"railsync/pkg/protocol"
)

func (c *ClientManager) registerHandlers() {
	codec := c.net.Codec()
	network.Register(codec, c.handleJoinResponse)
	network.Register(codec, c.handleSpawn)
	network.Register(codec, c.handleDespawn)
	network.Register(codec, c.handlePorts)
	network.Register(codec, c.handleFuses)
	network.Register(codec, c.handleHandbrake)
	network.Register(codec, c.handleBrakeCylinderReleased)
	network.Register(codec, c.handleBrakePressures)
	network.Register(codec, c.handleFireboxState)
	network.Register(codec, c.handleCargo)
	network.Register(codec, c.handleHealth)
	network.Register(codec, c.handleCouplerInteraction)
	network.Register(codec, c.handleCable)
	network.Register(codec, c.handlePhysics)
}

func (c *ClientManager) handleJoinResponse(_ network.PeerID, msg *protocol.JoinResponse) {
	if !msg.Accepted {
		c.joinErr = fmt.Errorf("%w: %s", ErrJoinRejected, msg.Reason)
		c.log.Error().Str("reason", msg.Reason).Msg("主机拒绝加入")
		return
	}

	c.joined = true
	c.joinErr = nil
	c.playerID = msg.PlayerID
	c.sessionID = msg.SessionID
	if msg.SessionToken != "" {
		c.token = msg.SessionToken
	}
	c.hostTick = float64(msg.Tick)
	c.log.Info().
		Uint32("player_id", msg.PlayerID).
		Uint32("host_tick", msg.Tick).
		Str("session_id", msg.SessionID).
		Msg("已加入主机")
}

// entity 查找实体，未绑定时记录（采样）警告
func (c *ClientManager) entity(msg protocol.EntityMessage) (*replication.NetworkedCar, bool) {
	nc, ok := c.registry.Get(msg.Entity())
	if !ok {
		c.debugLog.Warn().Uint16("entity", msg.Entity()).Stringer("type", msg.Type()).Msg("消息指向未绑定的实体")
	}
	return nc, ok
}

func (c *ClientManager) handleSpawn(_ network.PeerID, msg *protocol.EntitySpawn) {
	car, ok := c.world.Car(msg.CarID)
	if !ok {
		c.log.Warn().Str("car", msg.CarID).Uint16("entity", msg.EntityID).Msg("本地没有该车辆，忽略绑定")
		return
	}
	nc, err := c.registry.Bind(msg.EntityID, car)
	if err != nil {
		c.log.Warn().Err(err).Str("car", msg.CarID).Uint16("entity", msg.EntityID).Msg("绑定实体失败")
		return
	}
	c.smoothers[nc.NetID()] = NewCarSmoother(car)
}

func (c *ClientManager) handleDespawn(_ network.PeerID, msg *protocol.EntityDespawn) {
	if !c.registry.Remove(msg.EntityID) {
		c.log.Warn().Uint16("entity", msg.EntityID).Msg("解除绑定的实体不存在")
	}
	delete(c.smoothers, msg.EntityID)
}

func (c *ClientManager) handlePorts(_ network.PeerID, msg *protocol.PortsDelta) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyPorts(msg)
	}
}

func (c *ClientManager) handleFuses(_ network.PeerID, msg *protocol.FusesDelta) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyFuses(msg)
	}
}

func (c *ClientManager) handleHandbrake(_ network.PeerID, msg *protocol.HandbrakeChanged) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyHandbrake(msg)
	}
}

func (c *ClientManager) handleBrakeCylinderReleased(_ network.PeerID, msg *protocol.BrakeCylinderReleased) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyBrakeCylinderReleased()
	}
}

func (c *ClientManager) handleBrakePressures(_ network.PeerID, msg *protocol.BrakePressures) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyBrakePressures(msg)
	}
}

func (c *ClientManager) handleFireboxState(_ network.PeerID, msg *protocol.FireboxState) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyFireboxState(msg)
	}
}

func (c *ClientManager) handleCargo(_ network.PeerID, msg *protocol.CargoState) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyCargo(msg)
	}
}

func (c *ClientManager) handleHealth(_ network.PeerID, msg *protocol.HealthUpdate) {
	if nc, ok := c.entity(msg); ok {
		nc.ApplyHealth(msg)
	}
}

func (c *ClientManager) handleCouplerInteraction(_ network.PeerID, msg *protocol.CouplerInteraction) {
	c.couplers.Apply(msg)
}

func (c *ClientManager) handleCable(_ network.PeerID, msg *protocol.CableConnected) {
	if err := c.registry.ApplyCable(msg); err != nil {
		c.debugLog.Warn().Err(err).Msg("应用电缆状态失败")
	}
}

func (c *ClientManager) handlePhysics(_ network.PeerID, msg *protocol.PhysicsUpdate) {
	if float64(msg.Tick)-c.hostTick > MaxClockDriftTicks {
		c.debugLog.Debug().Uint32("host_tick", msg.Tick).Float64("estimate", c.hostTick).Msg("时钟落后，校准")
		c.hostTick = float64(msg.Tick)
	}
	s, ok := c.smoothers[msg.EntityID]
	if !ok {
		c.debugLog.Warn().Uint16("entity", msg.EntityID).Msg("物理更新指向未绑定的实体")
		return
	}
	s.Push(msg)
}
