package core

import "strings"

// CouplerState 车钩状态
type CouplerState uint8

const (
	CouplerDangling CouplerState = iota
	CouplerParked
	CouplerAttachedLoose
	CouplerAttachedTight
	CouplerBeingDragged
)

func (s CouplerState) String() string {
	switch s {
	case CouplerDangling:
		return "dangling"
	case CouplerParked:
		return "parked"
	case CouplerAttachedLoose:
		return "attached_loose"
	case CouplerAttachedTight:
		return "attached_tight"
	case CouplerBeingDragged:
		return "being_dragged"
	default:
		return "unknown"
	}
}

// IsAttached 是否处于连挂状态（松或紧）
func (s CouplerState) IsAttached() bool {
	return s == CouplerAttachedLoose || s == CouplerAttachedTight
}

// CouplerInteractionFlags 车钩交互标志位
type CouplerInteractionFlags uint8

const (
	CouplerFlagCouple CouplerInteractionFlags = 1 << iota
	CouplerFlagPark
	CouplerFlagDrop
	CouplerFlagLoosen
	CouplerFlagTighten

	CouplerFlagNone CouplerInteractionFlags = 0
)

// Has 是否包含指定标志
func (f CouplerInteractionFlags) Has(flag CouplerInteractionFlags) bool {
	return f&flag != 0
}

func (f CouplerInteractionFlags) String() string {
	if f == CouplerFlagNone {
		return "none"
	}
	names := make([]string, 0, 5)
	for _, e := range []struct {
		flag CouplerInteractionFlags
		name string
	}{
		{CouplerFlagCouple, "couple"},
		{CouplerFlagPark, "park"},
		{CouplerFlagDrop, "drop"},
		{CouplerFlagLoosen, "loosen"},
		{CouplerFlagTighten, "tighten"},
	} {
		if f.Has(e.flag) {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, "|")
}

// Coupler 车钩能力接口。
// Pickup/MoveAnchorToward/Release 模拟玩家拖拽，由物理引擎决定最终状态。
type Coupler interface {
	CarID() string
	IsFront() bool
	State() CouplerState
	CoupledTo() Coupler
	OnStateChanged(fn func(prev, next CouplerState)) (unsubscribe func())

	AnchorPosition() Vec3
	AttachPoint() Vec3
	ParkedAnchor() Vec3
	DangleAnchor() Vec3

	Pickup()
	MoveAnchorToward(target Vec3)
	Release()
	TriggerTightness()
}

// Cable 重联（MU）电缆
type Cable interface {
	CarID() string
	IsFront() bool
	ConnectedTo() Cable
	Connect(other Cable)
	Disconnect()
	// OnConnectionChanged 连接或断开时回调，两端各触发一次
	OnConnectionChanged(fn func()) (unsubscribe func())
}
