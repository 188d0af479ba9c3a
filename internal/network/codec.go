package network

import (
	"fmt"

	"railsync/pkg/protocol"
)

// Handler 消息处理回调
type Handler func(peer PeerID, msg protocol.Message)

// Codec 消息类型注册与分发
type Codec struct {
	handlers map[protocol.MessageType]Handler
}

// NewCodec 创建空的分发表
func NewCodec() *Codec {
	return &Codec{handlers: make(map[protocol.MessageType]Handler)}
}

// Register 为消息类型注册处理函数，同一类型重复注册会 panic
func Register[M protocol.Message](c *Codec, fn func(peer PeerID, msg M)) {
	var zero M
	t := zero.Type()
	if _, exists := c.handlers[t]; exists {
		panic(fmt.Sprintf("network: 消息类型 %s 重复注册", t))
	}
	c.handlers[t] = func(peer PeerID, msg protocol.Message) {
		fn(peer, msg.(M))
	}
}

// Registered 是否已注册
func (c *Codec) Registered(t protocol.MessageType) bool {
	_, ok := c.handlers[t]
	return ok
}

// Dispatch 解码帧中的每条消息并分发。
// 单条消息解码失败只跳过该条，返回的错误列表供调用方记录。
func (c *Codec) Dispatch(peer PeerID, frame []byte) (handled int, errs []error) {
	envs, skipped, err := protocol.SplitFrame(frame)
	errs = append(errs, skipped...)
	if err != nil {
		errs = append(errs, fmt.Errorf("帧结构损坏: %w", err))
	}

	for _, env := range envs {
		h, ok := c.handlers[env.Type]
		if !ok {
			errs = append(errs, fmt.Errorf("类型 %s 无处理函数: %w", env.Type, protocol.ErrUnknownMessage))
			continue
		}
		msg, err := protocol.Decode(env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		h(peer, msg)
		handled++
	}
	return handled, errs
}
