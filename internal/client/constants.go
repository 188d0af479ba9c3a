package client

import "railsync/internal/tick"

// ===== 插值配置（客户端专用）=====
const (
	// InterpolationDelayTicks 渲染时间滞后于主机时间的 tick 数
	// 值越大越平滑，但延迟感越强；3 tick 约 125ms
	InterpolationDelayTicks = 3

	// SnapshotCapacity 每个插值队列保留的快照数（约 1 秒）
	SnapshotCapacity = tick.TPS

	// MaxClockDriftTicks 估计的主机 tick 落后于收到的 tick 超过该值时直接跳转
	MaxClockDriftTicks = 6
)
