package network

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"railsync/pkg/protocol"
)

// Conditions 模拟网络条件
type Conditions struct {
	SimulatePacketLoss bool
	PacketLossChance   int // 百分比 0-100，只作用于不可靠消息
	SimulateLatency    bool
	MinLatency         time.Duration
	MaxLatency         time.Duration
}

// Enabled 是否启用任何模拟
func (c Conditions) Enabled() bool {
	return (c.SimulatePacketLoss && c.PacketLossChance > 0) || (c.SimulateLatency && c.MaxLatency > 0)
}

// ConditionedTransport 在任意传输层上叠加丢包与延迟。
// 延迟作用于入站事件，并保持事件顺序。
type ConditionedTransport struct {
	Transport
	cond    Conditions
	dropped atomic.Uint64

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	randFloat func() float64
}

// NewConditionedTransport 包装传输层
func NewConditionedTransport(inner Transport, cond Conditions) *ConditionedTransport {
	if cond.MaxLatency < cond.MinLatency {
		cond.MaxLatency = cond.MinLatency
	}
	t := &ConditionedTransport{
		Transport: inner,
		cond:      cond,
		closeCh:   make(chan struct{}),
		randFloat: rand.Float64,
	}
	if cond.SimulateLatency && cond.MaxLatency > 0 {
		t.events = make(chan Event, DefaultEventBuffer)
		t.wg.Add(1)
		go t.delayLoop()
	}
	return t
}

// Dropped 被模拟丢弃的帧数
func (t *ConditionedTransport) Dropped() uint64 { return t.dropped.Load() }

func (t *ConditionedTransport) Send(peer PeerID, frame []byte, rel protocol.Reliability) error {
	if t.cond.SimulatePacketLoss && rel == protocol.Unreliable &&
		t.randFloat()*100 < float64(t.cond.PacketLossChance) {
		t.dropped.Add(1)
		return nil
	}
	return t.Transport.Send(peer, frame, rel)
}

func (t *ConditionedTransport) Events() <-chan Event {
	if t.events == nil {
		return t.Transport.Events()
	}
	return t.events
}

func (t *ConditionedTransport) Close() error {
	err := t.Transport.Close()
	t.closeOnce.Do(func() { close(t.closeCh) })
	t.wg.Wait()
	return err
}

func (t *ConditionedTransport) latency() time.Duration {
	span := t.cond.MaxLatency - t.cond.MinLatency
	if span <= 0 {
		return t.cond.MinLatency
	}
	return t.cond.MinLatency + time.Duration(t.randFloat()*float64(span))
}

func (t *ConditionedTransport) delayLoop() {
	defer t.wg.Done()

	var lastDue time.Time
	for {
		var ev Event
		select {
		case <-t.closeCh:
			return
		case ev = <-t.Transport.Events():
		}

		due := time.Now().Add(t.latency())
		if due.Before(lastDue) {
			due = lastDue
		}
		lastDue = due

		timer := time.NewTimer(time.Until(due))
		select {
		case <-t.closeCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		select {
		case t.events <- ev:
		case <-t.closeCh:
			return
		}
	}
}
