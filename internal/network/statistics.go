package network

import "sync/atomic"

// Statistics 网络统计，原子计数，可在任意 goroutine 读取
type Statistics struct {
	PacketsSent      atomic.Uint64
	PacketsReceived  atomic.Uint64
	BytesSent        atomic.Uint64
	BytesReceived    atomic.Uint64
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	DecodeFailures   atomic.Uint64
	DroppedMessages  atomic.Uint64
}

// StatisticsSnapshot 统计快照
type StatisticsSnapshot struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	DecodeFailures   uint64
	DroppedMessages  uint64
}

// Snapshot 读取当前值
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		PacketsSent:      s.PacketsSent.Load(),
		PacketsReceived:  s.PacketsReceived.Load(),
		BytesSent:        s.BytesSent.Load(),
		BytesReceived:    s.BytesReceived.Load(),
		MessagesSent:     s.MessagesSent.Load(),
		MessagesReceived: s.MessagesReceived.Load(),
		DecodeFailures:   s.DecodeFailures.Load(),
		DroppedMessages:  s.DroppedMessages.Load(),
	}
}

// Reset 清零
func (s *Statistics) Reset() {
	s.PacketsSent.Store(0)
	s.PacketsReceived.Store(0)
	s.BytesSent.Store(0)
	s.BytesReceived.Store(0)
	s.MessagesSent.Store(0)
	s.MessagesReceived.Store(0)
	s.DecodeFailures.Store(0)
	s.DroppedMessages.Store(0)
}
