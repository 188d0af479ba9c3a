package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"railsync/internal/network"
)

// Measurement 网络统计写入的 measurement 名
const Measurement = "network"

var ErrInfluxUnavailable = errors.New("telemetry: InfluxDB 不可用")

// InfluxOptions InfluxDB 连接参数
type InfluxOptions struct {
	URL      string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// pointWriter 是 WriteAPI 中用到的部分，测试中可替换
type pointWriter interface {
	WritePoint(point *influxdb2_write.Point)
	Flush()
}

// InfluxReporter 定期把各网络管理器的统计快照写入 InfluxDB
type InfluxReporter struct {
	log      zerolog.Logger
	interval time.Duration
	client   influxdb2.Client
	writer   pointWriter

	mu      sync.Mutex
	sources []source
}

// NewInfluxReporter 创建上报器。写入是异步批量的，错误只记录日志。
func NewInfluxReporter(logger zerolog.Logger, opts InfluxOptions) *InfluxReporter {
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000))
	writeAPI := client.WriteAPI(opts.Org, opts.Bucket)

	r := newInfluxReporter(logger, opts.Interval, writeAPI)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.log.Warn().Err(err).Msg("写入 InfluxDB 失败")
		}
	}()
	return r
}

func newInfluxReporter(logger zerolog.Logger, interval time.Duration, w pointWriter) *InfluxReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &InfluxReporter{log: logger, interval: interval, writer: w}
}

// Ping 检查服务端是否可达
func (r *InfluxReporter) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInfluxUnavailable, err)
	}
	if !ok {
		return ErrInfluxUnavailable
	}
	return nil
}

// Track 注册一个网络管理器的统计
func (r *InfluxReporter) Track(name string, stats *network.Statistics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source{name: name, stats: stats})
}

// Report 为每个已注册的管理器写一个数据点
func (r *InfluxReporter) Report(ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range r.sources {
		s := src.stats.Snapshot()
		p := influxdb2.NewPoint(Measurement,
			map[string]string{"manager": src.name},
			map[string]interface{}{
				"packets_sent":      int64(s.PacketsSent),
				"packets_received":  int64(s.PacketsReceived),
				"bytes_sent":        int64(s.BytesSent),
				"bytes_received":    int64(s.BytesReceived),
				"messages_sent":     int64(s.MessagesSent),
				"messages_received": int64(s.MessagesReceived),
				"decode_failures":   int64(s.DecodeFailures),
				"dropped_messages":  int64(s.DroppedMessages),
			},
			ts)
		r.writer.WritePoint(p)
	}
}

// Run 按间隔上报，直到 ctx 取消；退出前再上报一次并刷新
func (r *InfluxReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Report(time.Now())
			r.writer.Flush()
			return
		case now := <-ticker.C:
			r.Report(now)
		}
	}
}

// Close 刷新缓冲并关闭连接
func (r *InfluxReporter) Close() {
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
