package client

import (
	"railsync/pkg/core"
	"railsync/pkg/protocol"
	"railsync/pkg/snapshot"
)

// CarSmoother 远端车辆物理的插值缓冲：速度、刚体与两个转向架
type CarSmoother struct {
	car core.Car

	speed     *snapshot.Queue[float32]
	rigidbody *snapshot.Queue[core.RigidbodySnapshot]
	bogies    [2]*snapshot.Queue[core.BogieData]

	// 最近一次位置校正的 tick，更早的更新已失效
	teleportTick uint32
	teleported   bool
}

// NewCarSmoother 创建插值缓冲
func NewCarSmoother(car core.Car) *CarSmoother {
	s := &CarSmoother{
		car:       car,
		speed:     snapshot.New[float32](SnapshotCapacity, core.LerpFloat32),
		rigidbody: snapshot.New[core.RigidbodySnapshot](SnapshotCapacity, core.LerpRigidbody),
	}
	for i := range s.bogies {
		s.bogies[i] = snapshot.New[core.BogieData](SnapshotCapacity, core.LerpBogie)
	}
	return s
}

// Push 加入一次物理更新。位置校正会瞬移车辆并清空所有队列。
func (s *CarSmoother) Push(msg *protocol.PhysicsUpdate) {
	if s.teleported && msg.Tick < s.teleportTick {
		return
	}

	if msg.Flags.Has(protocol.PhysicsPosition) {
		s.Clear()
		if body := s.car.Body(); body != nil {
			body.Teleport(msg.Position, msg.Rotation)
		}
		s.teleportTick = msg.Tick
		s.teleported = true
	}
	if msg.Flags.Has(protocol.PhysicsSpeed) {
		s.speed.Push(msg.Tick, msg.Speed)
		for i := range s.bogies {
			s.bogies[i].Push(msg.Tick, msg.Bogies[i])
		}
	}
	if msg.Flags.Has(protocol.PhysicsRigidBody) {
		s.rigidbody.Push(msg.Tick, msg.Rigidbody)
	}
}

// Apply 在 renderTick 处采样并写入车辆，然后清理过期快照
func (s *CarSmoother) Apply(renderTick float64) {
	body := s.car.Body()
	if body != nil {
		if v, ok := s.speed.Sample(renderTick); ok {
			body.ApplySpeed(v)
		}
		if rb, ok := s.rigidbody.Sample(renderTick); ok {
			body.ApplyRigidbody(rb)
		}
	}

	bogies := s.car.Bogies()
	for i, q := range s.bogies {
		if bogies[i] == nil {
			continue
		}
		if d, ok := q.Sample(renderTick); ok {
			bogies[i].Apply(d)
		}
	}

	s.speed.Prune(renderTick)
	s.rigidbody.Prune(renderTick)
	for _, q := range s.bogies {
		q.Prune(renderTick)
	}
}

// Clear 清空所有队列
func (s *CarSmoother) Clear() {
	s.speed.Clear()
	s.rigidbody.Clear()
	for _, q := range s.bogies {
		q.Clear()
	}
}

// Buffered 速度队列中的快照数
func (s *CarSmoother) Buffered() int { return s.speed.Len() }
