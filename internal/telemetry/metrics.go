package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"railsync/internal/network"
	"railsync/internal/server"
	"railsync/internal/tick"
)

const instrumentationName = "railsync/internal/telemetry"

var (
	_ tick.Observer   = (*Metrics)(nil)
	_ server.Observer = (*Metrics)(nil)
)

type source struct {
	name  string
	stats *network.Statistics
}

// Metrics 把调度器与主机事件记录为 OTel 指标，网络统计通过异步回调读取
type Metrics struct {
	tickDuration  metric.Float64Histogram
	overruns      metric.Int64Counter
	joins         metric.Int64Counter
	joinRejected  metric.Int64Counter
	players       metric.Int64UpDownCounter
	writeRejected metric.Int64Counter

	packetsSent      metric.Int64ObservableCounter
	packetsReceived  metric.Int64ObservableCounter
	bytesSent        metric.Int64ObservableCounter
	bytesReceived    metric.Int64ObservableCounter
	messagesSent     metric.Int64ObservableCounter
	messagesReceived metric.Int64ObservableCounter
	decodeFailures   metric.Int64ObservableCounter
	dropped          metric.Int64ObservableCounter

	mu      sync.RWMutex
	sources []source
}

// NewMetrics 创建指标。meter 为 nil 时使用全局 provider（未配置时为 no-op）。
func NewMetrics(m metric.Meter) (*Metrics, error) {
	if m == nil {
		m = otel.Meter(instrumentationName)
	}
	t := &Metrics{}

	var err error
	t.tickDuration, err = m.Float64Histogram(
		"railsync.tick.duration",
		metric.WithDescription("Time spent per tick phase"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tick duration histogram: %w", err)
	}
	t.overruns, err = m.Int64Counter(
		"railsync.tick.overruns",
		metric.WithDescription("Tick phases exceeding the watchdog threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating overrun counter: %w", err)
	}
	t.joins, err = m.Int64Counter(
		"railsync.session.joins",
		metric.WithDescription("Accepted joins"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating join counter: %w", err)
	}
	t.joinRejected, err = m.Int64Counter(
		"railsync.session.joins.rejected",
		metric.WithDescription("Rejected joins"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rejected join counter: %w", err)
	}
	t.players, err = m.Int64UpDownCounter(
		"railsync.session.players",
		metric.WithDescription("Currently joined players"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating player counter: %w", err)
	}
	t.writeRejected, err = m.Int64Counter(
		"railsync.replication.writes.rejected",
		metric.WithDescription("Client port writes rejected by the host"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rejected write counter: %w", err)
	}

	observables := []struct {
		dst  *metric.Int64ObservableCounter
		name string
		desc string
	}{
		{&t.packetsSent, "railsync.network.packets.sent", "Frames sent"},
		{&t.packetsReceived, "railsync.network.packets.received", "Frames received"},
		{&t.bytesSent, "railsync.network.bytes.sent", "Bytes sent"},
		{&t.bytesReceived, "railsync.network.bytes.received", "Bytes received"},
		{&t.messagesSent, "railsync.network.messages.sent", "Messages sent"},
		{&t.messagesReceived, "railsync.network.messages.received", "Messages received"},
		{&t.decodeFailures, "railsync.network.decode.failures", "Frames or messages that failed to decode"},
		{&t.dropped, "railsync.network.messages.dropped", "Messages dropped by rate limiting or full queues"},
	}
	instruments := make([]metric.Observable, 0, len(observables))
	for _, o := range observables {
		*o.dst, err = m.Int64ObservableCounter(o.name, metric.WithDescription(o.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", o.name, err)
		}
		instruments = append(instruments, *o.dst)
	}

	_, err = m.RegisterCallback(t.observeNetwork, instruments...)
	if err != nil {
		return nil, fmt.Errorf("registering network callback: %w", err)
	}
	return t, nil
}

// Track 注册一个网络管理器的统计，按 manager 属性区分
func (t *Metrics) Track(name string, stats *network.Statistics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = append(t.sources, source{name: name, stats: stats})
}

func (t *Metrics) observeNetwork(_ context.Context, o metric.Observer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, src := range t.sources {
		s := src.stats.Snapshot()
		attrs := metric.WithAttributes(attribute.String("manager", src.name))
		o.ObserveInt64(t.packetsSent, int64(s.PacketsSent), attrs)
		o.ObserveInt64(t.packetsReceived, int64(s.PacketsReceived), attrs)
		o.ObserveInt64(t.bytesSent, int64(s.BytesSent), attrs)
		o.ObserveInt64(t.bytesReceived, int64(s.BytesReceived), attrs)
		o.ObserveInt64(t.messagesSent, int64(s.MessagesSent), attrs)
		o.ObserveInt64(t.messagesReceived, int64(s.MessagesReceived), attrs)
		o.ObserveInt64(t.decodeFailures, int64(s.DecodeFailures), attrs)
		o.ObserveInt64(t.dropped, int64(s.DroppedMessages), attrs)
	}
	return nil
}

// ObserveTick 记录一个阶段的耗时
func (t *Metrics) ObserveTick(phase string, d time.Duration) {
	t.tickDuration.Record(context.Background(), float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("phase", phase)))
}

// ObserveOverrun 记录看门狗告警
func (t *Metrics) ObserveOverrun(phase string) {
	t.overruns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("phase", phase)))
}

func (t *Metrics) PlayerJoined(string) {
	t.joins.Add(context.Background(), 1)
	t.players.Add(context.Background(), 1)
}

func (t *Metrics) PlayerLeft(string) {
	t.players.Add(context.Background(), -1)
}

func (t *Metrics) JoinRejected(reason string) {
	t.joinRejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (t *Metrics) WriteRejected(uint16) {
	t.writeRejected.Add(context.Background(), 1)
}
