package protocol

import (
	"fmt"

	"railsync/pkg/core"
)

// PortsDelta 仿真端口增量
type PortsDelta struct {
	EntityID uint16
	PortIDs  []string
	Values   []float32
}

func (*PortsDelta) Type() MessageType        { return MessageTypePortsDelta }
func (*PortsDelta) Reliability() Reliability { return ReliableOrdered }
func (m *PortsDelta) Entity() uint16         { return m.EntityID }

func (m *PortsDelta) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendStringsField(b, 2, m.PortIDs)
	b = appendPackedFloats(b, 3, m.Values)
	return b
}

func (m *PortsDelta) UnmarshalWire(b []byte) error {
	*m = PortsDelta{}
	err := walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			var id string
			id, err = f.string()
			m.PortIDs = append(m.PortIDs, id)
		case 3:
			m.Values, err = f.floats(m.Values)
		}
		return err
	})
	if err != nil {
		return err
	}
	if len(m.PortIDs) != len(m.Values) {
		return fmt.Errorf("PortsDelta 长度不一致: %d ids, %d values", len(m.PortIDs), len(m.Values))
	}
	return nil
}

// FusesDelta 保险丝增量
type FusesDelta struct {
	EntityID uint16
	FuseIDs  []string
	States   []bool
}

func (*FusesDelta) Type() MessageType        { return MessageTypeFusesDelta }
func (*FusesDelta) Reliability() Reliability { return ReliableOrdered }
func (m *FusesDelta) Entity() uint16         { return m.EntityID }

func (m *FusesDelta) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendStringsField(b, 2, m.FuseIDs)
	b = appendPackedBools(b, 3, m.States)
	return b
}

func (m *FusesDelta) UnmarshalWire(b []byte) error {
	*m = FusesDelta{}
	err := walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			var id string
			id, err = f.string()
			m.FuseIDs = append(m.FuseIDs, id)
		case 3:
			m.States, err = f.bools(m.States)
		}
		return err
	})
	if err != nil {
		return err
	}
	if len(m.FuseIDs) != len(m.States) {
		return fmt.Errorf("FusesDelta 长度不一致: %d ids, %d states", len(m.FuseIDs), len(m.States))
	}
	return nil
}

// HandbrakeChanged 手刹位置
type HandbrakeChanged struct {
	EntityID uint16
	Position float32
}

func (*HandbrakeChanged) Type() MessageType        { return MessageTypeHandbrakeChanged }
func (*HandbrakeChanged) Reliability() Reliability { return ReliableOrdered }
func (m *HandbrakeChanged) Entity() uint16         { return m.EntityID }

func (m *HandbrakeChanged) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendFloatField(b, 2, m.Position)
	return b
}

func (m *HandbrakeChanged) UnmarshalWire(b []byte) error {
	*m = HandbrakeChanged{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.Position, err = f.float32()
		}
		return err
	})
}

// BrakeCylinderReleased 制动缸缓解
type BrakeCylinderReleased struct {
	EntityID uint16
}

func (*BrakeCylinderReleased) Type() MessageType        { return MessageTypeBrakeCylinderReleased }
func (*BrakeCylinderReleased) Reliability() Reliability { return ReliableOrdered }
func (m *BrakeCylinderReleased) Entity() uint16         { return m.EntityID }

func (m *BrakeCylinderReleased) MarshalWire(b []byte) []byte {
	return appendVarintField(b, 1, uint64(m.EntityID))
}

func (m *BrakeCylinderReleased) UnmarshalWire(b []byte) error {
	*m = BrakeCylinderReleased{}
	return walkFields(b, func(f field) (err error) {
		if f.num == 1 {
			m.EntityID, err = f.uint16()
		}
		return err
	})
}

// BrakePressures 制动系统压力（由主风缸脏标志驱动）
type BrakePressures struct {
	EntityID uint16
	core.BrakePressures
}

func (*BrakePressures) Type() MessageType        { return MessageTypeBrakePressures }
func (*BrakePressures) Reliability() Reliability { return ReliableOrdered }
func (m *BrakePressures) Entity() uint16         { return m.EntityID }

func (m *BrakePressures) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendFloatField(b, 2, m.MainReservoir)
	b = appendFloatField(b, 3, m.IndependentPipe)
	b = appendFloatField(b, 4, m.BrakePipe)
	b = appendFloatField(b, 5, m.BrakeCylinder)
	return b
}

func (m *BrakePressures) UnmarshalWire(b []byte) error {
	*m = BrakePressures{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.MainReservoir, err = f.float32()
		case 3:
			m.IndependentPipe, err = f.float32()
		case 4:
			m.BrakePipe, err = f.float32()
		case 5:
			m.BrakeCylinder, err = f.float32()
		}
		return err
	})
}

// FireboxState 火箱状态
type FireboxState struct {
	EntityID uint16
	Contents float32
	IsOn     bool
}

func (*FireboxState) Type() MessageType        { return MessageTypeFireboxState }
func (*FireboxState) Reliability() Reliability { return ReliableOrdered }
func (m *FireboxState) Entity() uint16         { return m.EntityID }

func (m *FireboxState) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendFloatField(b, 2, m.Contents)
	b = appendBoolField(b, 3, m.IsOn)
	return b
}

func (m *FireboxState) UnmarshalWire(b []byte) error {
	*m = FireboxState{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.Contents, err = f.float32()
		case 3:
			m.IsOn, err = f.bool()
		}
		return err
	})
}

// FireboxAddCoal 加煤（客户端控制事件）
type FireboxAddCoal struct {
	EntityID      uint16
	CoalMassDelta float32
}

func (*FireboxAddCoal) Type() MessageType        { return MessageTypeFireboxAddCoal }
func (*FireboxAddCoal) Reliability() Reliability { return ReliableOrdered }
func (m *FireboxAddCoal) Entity() uint16         { return m.EntityID }

func (m *FireboxAddCoal) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendFloatField(b, 2, m.CoalMassDelta)
	return b
}

func (m *FireboxAddCoal) UnmarshalWire(b []byte) error {
	*m = FireboxAddCoal{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.CoalMassDelta, err = f.float32()
		}
		return err
	})
}

// FireboxIgnite 点火（客户端控制事件）
type FireboxIgnite struct {
	EntityID uint16
}

func (*FireboxIgnite) Type() MessageType        { return MessageTypeFireboxIgnite }
func (*FireboxIgnite) Reliability() Reliability { return ReliableOrdered }
func (m *FireboxIgnite) Entity() uint16         { return m.EntityID }

func (m *FireboxIgnite) MarshalWire(b []byte) []byte {
	return appendVarintField(b, 1, uint64(m.EntityID))
}

func (m *FireboxIgnite) UnmarshalWire(b []byte) error {
	*m = FireboxIgnite{}
	return walkFields(b, func(f field) (err error) {
		if f.num == 1 {
			m.EntityID, err = f.uint16()
		}
		return err
	})
}

// CargoState 货物装卸
type CargoState struct {
	EntityID   uint16
	IsLoading  bool
	ModelIndex uint8
}

func (*CargoState) Type() MessageType        { return MessageTypeCargoState }
func (*CargoState) Reliability() Reliability { return ReliableOrdered }
func (m *CargoState) Entity() uint16         { return m.EntityID }

func (m *CargoState) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendBoolField(b, 2, m.IsLoading)
	// 模型索引 0 是合法值，始终写出
	b = appendVarintAlways(b, 3, uint64(m.ModelIndex))
	return b
}

func (m *CargoState) UnmarshalWire(b []byte) error {
	*m = CargoState{ModelIndex: core.NoCargoModel}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.IsLoading, err = f.bool()
		case 3:
			m.ModelIndex, err = f.uint8()
		}
		return err
	})
}

// HealthUpdate 车辆健康度
type HealthUpdate struct {
	EntityID uint16
	Health   float32
}

func (*HealthUpdate) Type() MessageType        { return MessageTypeHealthUpdate }
func (*HealthUpdate) Reliability() Reliability { return ReliableOrdered }
func (m *HealthUpdate) Entity() uint16         { return m.EntityID }

func (m *HealthUpdate) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendFloatField(b, 2, m.Health)
	return b
}

func (m *HealthUpdate) UnmarshalWire(b []byte) error {
	*m = HealthUpdate{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.Health, err = f.float32()
		}
		return err
	})
}

// CouplerInteraction 车钩交互
type CouplerInteraction struct {
	EntityID            uint16
	IsFrontCoupler      bool
	Flags               core.CouplerInteractionFlags
	OtherEntityID       uint16 // 0 表示无
	IsFrontOtherCoupler bool
}

func (*CouplerInteraction) Type() MessageType        { return MessageTypeCouplerInteraction }
func (*CouplerInteraction) Reliability() Reliability { return ReliableOrdered }
func (m *CouplerInteraction) Entity() uint16         { return m.EntityID }

func (m *CouplerInteraction) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendBoolField(b, 2, m.IsFrontCoupler)
	b = appendVarintField(b, 3, uint64(m.Flags))
	b = appendVarintField(b, 4, uint64(m.OtherEntityID))
	b = appendBoolField(b, 5, m.IsFrontOtherCoupler)
	return b
}

func (m *CouplerInteraction) UnmarshalWire(b []byte) error {
	*m = CouplerInteraction{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.IsFrontCoupler, err = f.bool()
		case 3:
			var flags uint8
			flags, err = f.uint8()
			m.Flags = core.CouplerInteractionFlags(flags)
		case 4:
			m.OtherEntityID, err = f.uint16()
		case 5:
			m.IsFrontOtherCoupler, err = f.bool()
		}
		return err
	})
}

// CableConnected 重联电缆连接状态，OtherEntityID 为 0 表示断开
type CableConnected struct {
	EntityID      uint16
	IsFront       bool
	OtherEntityID uint16
	OtherIsFront  bool
}

func (*CableConnected) Type() MessageType        { return MessageTypeCableConnected }
func (*CableConnected) Reliability() Reliability { return ReliableOrdered }
func (m *CableConnected) Entity() uint16         { return m.EntityID }

func (m *CableConnected) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendBoolField(b, 2, m.IsFront)
	b = appendVarintField(b, 3, uint64(m.OtherEntityID))
	b = appendBoolField(b, 4, m.OtherIsFront)
	return b
}

func (m *CableConnected) UnmarshalWire(b []byte) error {
	*m = CableConnected{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.IsFront, err = f.bool()
		case 3:
			m.OtherEntityID, err = f.uint16()
		case 4:
			m.OtherIsFront, err = f.bool()
		}
		return err
	})
}
