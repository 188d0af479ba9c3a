package core

// PortValueType 端口取值类型
type PortValueType uint8

const (
	PortContinuous    PortValueType = iota // 仿真内部连续量（压力、温度…）
	PortControl                            // 玩家可操作的控制量（油门、闸把…）
	PortExternalInput                      // 外部输入，需要走 ExternalValueUpdate
)

func (t PortValueType) String() string {
	switch t {
	case PortContinuous:
		return "continuous"
	case PortControl:
		return "control"
	case PortExternalInput:
		return "external_in"
	default:
		return "unknown"
	}
}

// Port 仿真端口能力接口，由仿真对象持有
type Port interface {
	ID() string
	Value() float32
	PrevValue() float32
	ValueType() PortValueType
	SetValue(v float32)
	ExternalValueUpdate(v float32)
}

// Fuse 仿真保险丝能力接口
type Fuse interface {
	ID() string
	State() bool
	ChangeState(on bool)
}

// SimulationFlow 端口/保险丝图的只读视图加显式观察者注册。
// Observe* 返回的函数用于取消订阅，调用方负责在实体销毁时调用。
type SimulationFlow interface {
	PortIDs() []string
	FuseIDs() []string
	Port(id string) (Port, bool)
	Fuse(id string) (Fuse, bool)
	ObservePort(id string, fn func(Port)) (unsubscribe func())
	ObserveFuse(id string, fn func(Fuse)) (unsubscribe func())
}
