package network

import "time"

const (
	// MaxFrameSize 单帧最大字节数
	MaxFrameSize = 64 * 1024

	DefaultSendQueueSize     = 256
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultEventBuffer       = 1024
	heartbeatInterval        = time.Second
	writeTimeout             = time.Second
	dialTimeout              = 5 * time.Second
)

// Options 传输层参数
type Options struct {
	SendQueueSize     int
	DisconnectTimeout time.Duration
	EventBuffer       int
	Conditions        Conditions
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}
