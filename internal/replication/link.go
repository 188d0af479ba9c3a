package replication

import (
	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

// Link 同步消息的出口。
// 主机端实现为广播给所有已加入的客户端，客户端实现为发送给主机。
type Link interface {
	Send(msg protocol.Message) error
	// IsProcessingPacket 是否正在分发网络消息，用于回声抑制
	IsProcessingPacket() bool
}

// Requester 发起端口写入的玩家（主机端权限判断用）
type Requester struct {
	Username string
	Position core.Vec3
	// CarID 玩家所在车辆，空表示不在车上
	CarID string
}
