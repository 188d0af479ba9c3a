package server

import (
	"time"

	"railsync/internal/network"
	"railsync/internal/replication"
	"railsync/pkg/core"
)

// Player 已加入的玩家
type Player struct {
	ID        uint32
	Peer      network.PeerID
	Username  string
	SessionID string // 令牌 jti
	JoinedAt  time.Time

	// 由 PlayerState 更新，用于端口写入的权限判断
	Position core.Vec3
	CarID    string
}

func (p *Player) requester() replication.Requester {
	return replication.Requester{Username: p.Username, Position: p.Position, CarID: p.CarID}
}
