package core

import "fmt"

// Authority 表示实体由哪一端权威
type Authority uint8

const (
	AuthorityServer Authority = iota
	AuthorityClient
)

func (a Authority) String() string {
	switch a {
	case AuthorityServer:
		return "server"
	case AuthorityClient:
		return "client"
	default:
		return fmt.Sprintf("Authority(%d)", uint8(a))
	}
}

// NoNetID 保留值，表示未分配
const NoNetID uint16 = 0

// NetworkIdentity 复制实体的网络身份，由权威端分配一次
type NetworkIdentity struct {
	ID        uint16
	Authority Authority
}

func (n NetworkIdentity) Valid() bool {
	return n.ID != NoNetID
}

func (n NetworkIdentity) String() string {
	return fmt.Sprintf("net#%d(%s)", n.ID, n.Authority)
}
