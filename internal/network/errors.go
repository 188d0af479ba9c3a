package network

import "errors"

var (
	ErrSendQueueFull = errors.New("发送队列满")
	ErrNotRunning    = errors.New("网络管理器未启动")
	ErrUnknownPeer   = errors.New("未知对端")
	ErrClosed        = errors.New("传输层已关闭")
)
