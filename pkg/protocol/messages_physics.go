package protocol

import (
	"strings"

	"railsync/pkg/core"
)

// PhysicsFlags PhysicsUpdate 携带的数据类型
type PhysicsFlags uint8

const (
	// PhysicsPosition 完整位姿校正，客户端瞬移并清空插值队列
	PhysicsPosition PhysicsFlags = 1 << iota
	// PhysicsSpeed 轨道上的速度与转向架
	PhysicsSpeed
	// PhysicsRigidBody 脱轨后的刚体状态
	PhysicsRigidBody
)

func (f PhysicsFlags) Has(flag PhysicsFlags) bool { return f&flag != 0 }

func (f PhysicsFlags) String() string {
	var parts []string
	if f.Has(PhysicsPosition) {
		parts = append(parts, "position")
	}
	if f.Has(PhysicsSpeed) {
		parts = append(parts, "speed")
	}
	if f.Has(PhysicsRigidBody) {
		parts = append(parts, "rigidbody")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PhysicsUpdate 物理状态，不可靠传输，客户端按 tick 取最新
type PhysicsUpdate struct {
	EntityID  uint16
	Tick      uint32
	Flags     PhysicsFlags
	Position  core.Vec3
	Rotation  core.Quat
	Speed     float32
	Rigidbody core.RigidbodySnapshot
	Bogies    [2]core.BogieData
}

func (*PhysicsUpdate) Type() MessageType        { return MessageTypePhysicsUpdate }
func (*PhysicsUpdate) Reliability() Reliability { return Unreliable }
func (m *PhysicsUpdate) Entity() uint16         { return m.EntityID }

func (m *PhysicsUpdate) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendVarintField(b, 2, uint64(m.Tick))
	b = appendVarintField(b, 3, uint64(m.Flags))
	if m.Flags.Has(PhysicsPosition) {
		b = appendMessageField(b, 4, func(b []byte) []byte { return appendVec3(b, m.Position) })
		b = appendMessageField(b, 5, func(b []byte) []byte { return appendQuat(b, m.Rotation) })
	}
	if m.Flags.Has(PhysicsSpeed) {
		b = appendFloatField(b, 6, m.Speed)
		for i := range m.Bogies {
			d := m.Bogies[i]
			b = appendMessageField(b, 8, func(b []byte) []byte { return appendBogie(b, d) })
		}
	}
	if m.Flags.Has(PhysicsRigidBody) {
		b = appendMessageField(b, 7, func(b []byte) []byte { return appendRigidbody(b, m.Rigidbody) })
	}
	return b
}

func (m *PhysicsUpdate) UnmarshalWire(b []byte) error {
	*m = PhysicsUpdate{}
	bogie := 0
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.Tick, err = f.uint32()
		case 3:
			var flags uint8
			flags, err = f.uint8()
			m.Flags = PhysicsFlags(flags)
		case 4, 5, 7, 8:
			var raw []byte
			if raw, err = f.message(); err != nil {
				return err
			}
			switch f.num {
			case 4:
				m.Position, err = parseVec3(raw)
			case 5:
				m.Rotation, err = parseQuat(raw)
			case 7:
				m.Rigidbody, err = parseRigidbody(raw)
			case 8:
				if bogie < len(m.Bogies) {
					m.Bogies[bogie], err = parseBogie(raw)
					bogie++
				}
			}
		case 6:
			m.Speed, err = f.float32()
		}
		return err
	})
}
