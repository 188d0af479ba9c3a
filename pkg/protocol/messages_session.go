package protocol

import "railsync/pkg/core"

// JoinRequest 客户端加入请求
type JoinRequest struct {
	Username     string
	Password     string
	SessionToken string // 重连时携带，代替密码
	Version      string
}

func (*JoinRequest) Type() MessageType        { return MessageTypeJoinRequest }
func (*JoinRequest) Reliability() Reliability { return ReliableOrdered }

func (m *JoinRequest) MarshalWire(b []byte) []byte {
	b = appendStringField(b, 1, m.Username)
	b = appendStringField(b, 2, m.Password)
	b = appendStringField(b, 3, m.SessionToken)
	b = appendStringField(b, 4, m.Version)
	return b
}

func (m *JoinRequest) UnmarshalWire(b []byte) error {
	*m = JoinRequest{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Username, err = f.string()
		case 2:
			m.Password, err = f.string()
		case 3:
			m.SessionToken, err = f.string()
		case 4:
			m.Version, err = f.string()
		}
		return err
	})
}

// JoinResponse 加入响应
type JoinResponse struct {
	Accepted     bool
	Reason       string
	PlayerID     uint32
	Tick         uint32 // 主机当前 tick，客户端以此校准时钟
	SessionToken string
	SessionID    string
}

func (*JoinResponse) Type() MessageType        { return MessageTypeJoinResponse }
func (*JoinResponse) Reliability() Reliability { return ReliableOrdered }

func (m *JoinResponse) MarshalWire(b []byte) []byte {
	b = appendBoolField(b, 1, m.Accepted)
	b = appendStringField(b, 2, m.Reason)
	b = appendVarintField(b, 3, uint64(m.PlayerID))
	b = appendVarintField(b, 4, uint64(m.Tick))
	b = appendStringField(b, 5, m.SessionToken)
	b = appendStringField(b, 6, m.SessionID)
	return b
}

func (m *JoinResponse) UnmarshalWire(b []byte) error {
	*m = JoinResponse{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Accepted, err = f.bool()
		case 2:
			m.Reason, err = f.string()
		case 3:
			m.PlayerID, err = f.uint32()
		case 4:
			m.Tick, err = f.uint32()
		case 5:
			m.SessionToken, err = f.string()
		case 6:
			m.SessionID, err = f.string()
		}
		return err
	})
}

// PlayerState 玩家位置与所在车辆，用于主机的权限判断
type PlayerState struct {
	Position core.Vec3
	CarID    string // 空表示不在车上
}

func (*PlayerState) Type() MessageType        { return MessageTypePlayerState }
func (*PlayerState) Reliability() Reliability { return Unreliable }

func (m *PlayerState) MarshalWire(b []byte) []byte {
	b = appendMessageField(b, 1, func(b []byte) []byte { return appendVec3(b, m.Position) })
	b = appendStringField(b, 2, m.CarID)
	return b
}

func (m *PlayerState) UnmarshalWire(b []byte) error {
	*m = PlayerState{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			var raw []byte
			if raw, err = f.message(); err == nil {
				m.Position, err = parseVec3(raw)
			}
		case 2:
			m.CarID, err = f.string()
		}
		return err
	})
}

// ServerInfo 局域网发现应答
type ServerInfo struct {
	Name       string
	Version    string
	Address    string
	Players    uint32
	MaxPlayers uint32
}

func (*ServerInfo) Type() MessageType        { return MessageTypeServerInfo }
func (*ServerInfo) Reliability() Reliability { return Unreliable }

func (m *ServerInfo) MarshalWire(b []byte) []byte {
	b = appendStringField(b, 1, m.Name)
	b = appendStringField(b, 2, m.Version)
	b = appendStringField(b, 3, m.Address)
	b = appendVarintField(b, 4, uint64(m.Players))
	b = appendVarintField(b, 5, uint64(m.MaxPlayers))
	return b
}

func (m *ServerInfo) UnmarshalWire(b []byte) error {
	*m = ServerInfo{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Name, err = f.string()
		case 2:
			m.Version, err = f.string()
		case 3:
			m.Address, err = f.string()
		case 4:
			m.Players, err = f.uint32()
		case 5:
			m.MaxPlayers, err = f.uint32()
		}
		return err
	})
}

// EntitySpawn 将主机分配的网络 ID 绑定到车辆
type EntitySpawn struct {
	EntityID uint16
	CarID    string
}

func (*EntitySpawn) Type() MessageType        { return MessageTypeEntitySpawn }
func (*EntitySpawn) Reliability() Reliability { return ReliableOrdered }
func (m *EntitySpawn) Entity() uint16         { return m.EntityID }

func (m *EntitySpawn) MarshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.EntityID))
	b = appendStringField(b, 2, m.CarID)
	return b
}

func (m *EntitySpawn) UnmarshalWire(b []byte) error {
	*m = EntitySpawn{}
	return walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EntityID, err = f.uint16()
		case 2:
			m.CarID, err = f.string()
		}
		return err
	})
}

// EntityDespawn 解除绑定
type EntityDespawn struct {
	EntityID uint16
}

func (*EntityDespawn) Type() MessageType        { return MessageTypeEntityDespawn }
func (*EntityDespawn) Reliability() Reliability { return ReliableOrdered }
func (m *EntityDespawn) Entity() uint16         { return m.EntityID }

func (m *EntityDespawn) MarshalWire(b []byte) []byte {
	return appendVarintField(b, 1, uint64(m.EntityID))
}

func (m *EntityDespawn) UnmarshalWire(b []byte) error {
	*m = EntityDespawn{}
	return walkFields(b, func(f field) (err error) {
		if f.num == 1 {
			m.EntityID, err = f.uint16()
		}
		return err
	})
}
