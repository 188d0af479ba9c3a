package tick

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	TPS      = 24 // 网络同步频率
	Interval = time.Second / TPS

	DefaultWatchdogThreshold = 250 * time.Millisecond
)

// Pollable 每个 tick 被轮询一次的管理器
type Pollable interface {
	Name() string
	Poll()
}

// Observer 接收耗时测量（指标上报）
type Observer interface {
	ObserveTick(phase string, d time.Duration)
	ObserveOverrun(phase string)
}

// Options 调度器参数
type Options struct {
	WatchdogThreshold time.Duration
	// Now 时钟，测试中可替换
	Now      func() time.Time
	Observer Observer
}

type subscription struct {
	id int
	fn func(tick uint32)
}

// Scheduler 固定频率的协作式循环。
// 每次迭代：tick 自增，调用所有订阅者，再依次轮询管理器。
// 看门狗分别测量订阅阶段与每个管理器的耗时，超时只告警。
type Scheduler struct {
	log       zerolog.Logger
	threshold time.Duration
	now       func() time.Time
	observer  Observer

	tick     uint32
	subs     []subscription
	nextSub  int
	managers []Pollable
	overruns uint64
}

// NewScheduler 创建调度器
func NewScheduler(logger zerolog.Logger, opts Options) *Scheduler {
	if opts.WatchdogThreshold <= 0 {
		opts.WatchdogThreshold = DefaultWatchdogThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		log:       logger,
		threshold: opts.WatchdogThreshold,
		now:       opts.Now,
		observer:  opts.Observer,
	}
}

// Tick 当前 tick，单调递增，是唯一的排序依据
func (s *Scheduler) Tick() uint32 { return s.tick }

// Overruns 看门狗告警次数
func (s *Scheduler) Overruns() uint64 { return s.overruns }

// Subscribe 订阅全局 tick 事件。回调中订阅/取消订阅从下一个 tick 生效。
func (s *Scheduler) Subscribe(fn func(tick uint32)) (unsubscribe func()) {
	s.nextSub++
	id := s.nextSub
	// 写时复制，进行中的迭代不受影响
	s.subs = append(s.subs[:len(s.subs):len(s.subs)], subscription{id: id, fn: fn})

	return func() {
		for i, sub := range s.subs {
			if sub.id == id {
				next := make([]subscription, 0, len(s.subs)-1)
				next = append(next, s.subs[:i]...)
				s.subs = append(next, s.subs[i+1:]...)
				return
			}
		}
	}
}

// AddManager 注册被轮询的管理器，按注册顺序轮询
func (s *Scheduler) AddManager(m Pollable) {
	s.managers = append(s.managers[:len(s.managers):len(s.managers)], m)
}

// RemoveManager 移除管理器
func (s *Scheduler) RemoveManager(m Pollable) {
	for i, x := range s.managers {
		if x == m {
			next := make([]Pollable, 0, len(s.managers)-1)
			next = append(next, s.managers[:i]...)
			s.managers = append(next, s.managers[i+1:]...)
			return
		}
	}
}

// Step 执行一次迭代（测试中直接驱动）
func (s *Scheduler) Step() {
	s.tick++
	tick := s.tick

	start := s.now()
	for _, sub := range s.subs {
		s.safeCall("tick", func() { sub.fn(tick) })
	}
	s.watch("tick", s.now().Sub(start))

	for _, m := range s.managers {
		name := m.Name()
		pollStart := s.now()
		s.safeCall(name, m.Poll)
		s.watch(name, s.now().Sub(pollStart))
	}
}

// Run 按固定间隔循环，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Int("tps", TPS).Msg("调度循环启动")

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			s.log.Info().Uint32("tick", s.tick).Msg("调度循环停止")
			return
		}

		start := s.now()
		s.Step()

		wait := Interval - s.now().Sub(start)
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			s.log.Info().Uint32("tick", s.tick).Msg("调度循环停止")
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) safeCall(phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("phase", phase).
				Uint32("tick", s.tick).
				Err(fmt.Errorf("%v", r)).
				Msg("tick 回调异常")
		}
	}()
	fn()
}

func (s *Scheduler) watch(phase string, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveTick(phase, d)
	}
	if d <= s.threshold {
		return
	}
	s.overruns++
	if s.observer != nil {
		s.observer.ObserveOverrun(phase)
	}
	s.log.Warn().
		Str("phase", phase).
		Uint32("tick", s.tick).
		Dur("elapsed", d).
		Dur("threshold", s.threshold).
		Msg("tick 超时")
}
