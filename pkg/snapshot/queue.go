package snapshot

import "sort"

// DefaultCapacity 默认缓冲容量（tick 数，约 1 秒）
const DefaultCapacity = 24

// Snapshot 某一 tick 的状态
type Snapshot[T any] struct {
	Tick  uint32
	Value T
}

// LerpFunc 插值函数，t ∈ [0, 1]
type LerpFunc[T any] func(a, b T, t float32) T

// Queue 按 tick 排序的有界快照缓冲，用于客户端插值
type Queue[T any] struct {
	buffer   []Snapshot[T]
	capacity int
	lerp     LerpFunc[T]
}

// New 创建快照队列，capacity <= 0 时使用默认容量
func New[T any](capacity int, lerp LerpFunc[T]) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		buffer:   make([]Snapshot[T], 0, capacity),
		capacity: capacity,
		lerp:     lerp,
	}
}

// Len 当前缓冲数量
func (q *Queue[T]) Len() int { return len(q.buffer) }

// Push 按 tick 插入；相同 tick 覆盖；缓冲已满且比最旧的还旧时丢弃
func (q *Queue[T]) Push(tick uint32, v T) {
	i := sort.Search(len(q.buffer), func(i int) bool { return q.buffer[i].Tick >= tick })
	if i < len(q.buffer) && q.buffer[i].Tick == tick {
		q.buffer[i].Value = v
		return
	}

	if len(q.buffer) >= q.capacity {
		if i == 0 {
			return
		}
		// 淘汰最旧的
		copy(q.buffer, q.buffer[1:])
		q.buffer = q.buffer[:len(q.buffer)-1]
		i--
	}

	q.buffer = append(q.buffer, Snapshot[T]{})
	copy(q.buffer[i+1:], q.buffer[i:])
	q.buffer[i] = Snapshot[T]{Tick: tick, Value: v}
}

// Clear 清空缓冲（瞬移/位置校正时调用，避免穿过跳变插值）
func (q *Queue[T]) Clear() {
	q.buffer = q.buffer[:0]
}

// Latest 最新快照
func (q *Queue[T]) Latest() (Snapshot[T], bool) {
	if len(q.buffer) == 0 {
		return Snapshot[T]{}, false
	}
	return q.buffer[len(q.buffer)-1], true
}

// Sample 在 renderTick 两侧的快照间插值；超出范围时保持边界值，不做外推
func (q *Queue[T]) Sample(renderTick float64) (T, bool) {
	var zero T
	n := len(q.buffer)
	if n == 0 {
		return zero, false
	}

	first, last := q.buffer[0], q.buffer[n-1]
	if renderTick <= float64(first.Tick) {
		return first.Value, true
	}
	if renderTick >= float64(last.Tick) {
		return last.Value, true
	}

	// 第一个 tick > renderTick 的位置即为 next
	j := sort.Search(n, func(i int) bool { return float64(q.buffer[i].Tick) > renderTick })
	prev, next := q.buffer[j-1], q.buffer[j]
	span := float64(next.Tick - prev.Tick)
	alpha := float32((renderTick - float64(prev.Tick)) / span)
	if q.lerp == nil {
		if alpha < 0.5 {
			return prev.Value, true
		}
		return next.Value, true
	}
	return q.lerp(prev.Value, next.Value, alpha), true
}

// Prune 清理过期快照，保留 renderTick 之前的最后一个作为插值下界
func (q *Queue[T]) Prune(renderTick float64) {
	cutoff := -1
	for i := range q.buffer {
		if float64(q.buffer[i].Tick) <= renderTick {
			cutoff = i
		} else {
			break
		}
	}
	if cutoff > 0 {
		q.buffer = append(q.buffer[:0], q.buffer[cutoff:]...)
	}
}
