package protocol

import "errors"

var (
	// ErrUnknownMessage 未注册的消息类型
	ErrUnknownMessage = errors.New("未知消息类型")
	// ErrTruncated 数据不完整
	ErrTruncated = errors.New("数据被截断")
)

// MessageType 消息类型，对应信封中的 type 字段
type MessageType uint32

const (
	MessageTypeUnspecified MessageType = iota

	// 会话
	MessageTypeJoinRequest
	MessageTypeJoinResponse
	MessageTypePlayerState
	MessageTypeServerInfo

	// 实体
	MessageTypeEntitySpawn
	MessageTypeEntityDespawn

	// 增量同步
	MessageTypePortsDelta
	MessageTypeFusesDelta
	MessageTypeHandbrakeChanged
	MessageTypeBrakeCylinderReleased
	MessageTypeBrakePressures
	MessageTypeFireboxState
	MessageTypeFireboxAddCoal
	MessageTypeFireboxIgnite
	MessageTypeCargoState
	MessageTypeHealthUpdate
	MessageTypeCouplerInteraction
	MessageTypeCableConnected

	// 物理
	MessageTypePhysicsUpdate
)

var messageTypeNames = map[MessageType]string{
	MessageTypeUnspecified:           "Unspecified",
	MessageTypeJoinRequest:           "JoinRequest",
	MessageTypeJoinResponse:          "JoinResponse",
	MessageTypePlayerState:           "PlayerState",
	MessageTypeServerInfo:            "ServerInfo",
	MessageTypeEntitySpawn:           "EntitySpawn",
	MessageTypeEntityDespawn:         "EntityDespawn",
	MessageTypePortsDelta:            "PortsDelta",
	MessageTypeFusesDelta:            "FusesDelta",
	MessageTypeHandbrakeChanged:      "HandbrakeChanged",
	MessageTypeBrakeCylinderReleased: "BrakeCylinderReleased",
	MessageTypeBrakePressures:        "BrakePressures",
	MessageTypeFireboxState:          "FireboxState",
	MessageTypeFireboxAddCoal:        "FireboxAddCoal",
	MessageTypeFireboxIgnite:         "FireboxIgnite",
	MessageTypeCargoState:            "CargoState",
	MessageTypeHealthUpdate:          "HealthUpdate",
	MessageTypeCouplerInteraction:    "CouplerInteraction",
	MessageTypeCableConnected:        "CableConnected",
	MessageTypePhysicsUpdate:         "PhysicsUpdate",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Reliability 投递语义
type Reliability uint8

const (
	// ReliableOrdered 可靠有序
	ReliableOrdered Reliability = iota
	// Unreliable 不可靠，最新覆盖旧值
	Unreliable
)

func (r Reliability) String() string {
	if r == Unreliable {
		return "unreliable"
	}
	return "reliable_ordered"
}

// Message 可在线路上传输的消息。
// 方法使用指针接收者，零值指针也可以调用 Type/Reliability。
type Message interface {
	Type() MessageType
	Reliability() Reliability
	MarshalWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

// EntityMessage 针对某个实体的消息
type EntityMessage interface {
	Message
	Entity() uint16
}
