package replication

import (
	"fmt"

	"github.com/rs/zerolog"

	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

const (
	// MaxIterations 收敛过程最多持续的 tick 数
	MaxIterations = 10
	// DefaultAttachThreshold 锚点与目标距离小于该值视为收敛（米）
	DefaultAttachThreshold = 0.1
)

type convergenceMode uint8

const (
	modeAttach convergenceMode = iota
	modePark
	modeDrop
)

func (m convergenceMode) String() string {
	switch m {
	case modeAttach:
		return "attach"
	case modePark:
		return "park"
	case modeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// convergenceJob 把远端的拖拽结果在本地物理中重放：
// 拿起车钩，逐 tick 向目标移动，收敛或用完预算后松手，由本地物理决定结果。
type convergenceJob struct {
	coupler             core.Coupler
	target              core.Coupler // attach 模式下的对端车钩
	iterationsRemaining int
	mode                convergenceMode
	tightenAfter        bool
}

func (j *convergenceJob) targetPoint() core.Vec3 {
	switch j.mode {
	case modeAttach:
		return j.target.AttachPoint()
	case modePark:
		return j.coupler.ParkedAnchor()
	default:
		return j.coupler.DangleAnchor()
	}
}

func (j *convergenceJob) converged(threshold float32) bool {
	anchor := j.coupler.AnchorPosition()
	if j.mode == modeDrop {
		return core.Distance(anchor, j.coupler.ParkedAnchor()) > threshold
	}
	return core.Distance(anchor, j.targetPoint()) <= threshold
}

// CouplerProtocol 车钩状态机的复制：
// 本地观察到的拖拽结果广播为 CouplerInteraction，收到的交互通过收敛过程重放。
type CouplerProtocol struct {
	log       zerolog.Logger
	registry  *Registry
	threshold float32

	jobs     map[couplerKey]*convergenceJob
	jobOrder []couplerKey
	pending  map[couplerKey]bool
	unsubs   map[uint16][]func()

	// applying 大于 0 时本地状态变化来自收敛过程，不再广播
	applying int
}

// NewCouplerProtocol 创建车钩协议并跟踪注册表中的实体
func NewCouplerProtocol(logger zerolog.Logger, registry *Registry, threshold float32) *CouplerProtocol {
	if threshold <= 0 {
		threshold = DefaultAttachThreshold
	}
	p := &CouplerProtocol{
		log:       logger,
		registry:  registry,
		threshold: threshold,
		jobs:      make(map[couplerKey]*convergenceJob),
		pending:   make(map[couplerKey]bool),
		unsubs:    make(map[uint16][]func()),
	}
	for _, c := range registry.All() {
		p.EntityAdded(c)
	}
	registry.AddListener(p)
	return p
}

// EntityAdded 订阅车辆的车钩状态
func (p *CouplerProtocol) EntityAdded(c *NetworkedCar) {
	for _, cp := range c.car.Couplers() {
		if cp == nil {
			continue
		}
		coupler := cp
		p.unsubs[c.NetID()] = append(p.unsubs[c.NetID()], cp.OnStateChanged(func(prev, next core.CouplerState) {
			p.onStateChanged(c, coupler, prev, next)
		}))
	}
}

// EntityRemoved 取消订阅并丢弃该实体的收敛过程
func (p *CouplerProtocol) EntityRemoved(c *NetworkedCar) {
	for _, unsub := range p.unsubs[c.NetID()] {
		unsub()
	}
	delete(p.unsubs, c.NetID())

	for _, cp := range c.car.Couplers() {
		if cp == nil {
			continue
		}
		key := keyOf(cp)
		delete(p.pending, key)
		p.dropJob(key)
	}
}

// Reset 丢弃所有收敛过程与待发送记录（客户端断线）
func (p *CouplerProtocol) Reset() {
	p.jobs = make(map[couplerKey]*convergenceJob)
	p.jobOrder = nil
	p.pending = make(map[couplerKey]bool)
}

// ActiveJobs 正在进行的收敛过程数
func (p *CouplerProtocol) ActiveJobs() int { return len(p.jobOrder) }

// IsPending 车钩是否被本地拖动、等待发送结果
func (p *CouplerProtocol) IsPending(cp core.Coupler) bool { return p.pending[keyOf(cp)] }

func (p *CouplerProtocol) suppressed(c *NetworkedCar) bool {
	return p.applying > 0 || c.suppressed()
}

func (p *CouplerProtocol) onStateChanged(c *NetworkedCar, cp core.Coupler, prev, next core.CouplerState) {
	if p.suppressed(c) {
		return
	}
	key := keyOf(cp)

	switch {
	case next == core.CouplerBeingDragged:
		p.pending[key] = true

	case p.pending[key]:
		msg := &protocol.CouplerInteraction{EntityID: c.NetID(), IsFrontCoupler: cp.IsFront()}
		switch next {
		case core.CouplerAttachedLoose, core.CouplerAttachedTight:
			other := cp.CoupledTo()
			if other == nil {
				return
			}
			msg.OtherEntityID = p.registry.NetIDOf(other.CarID())
			if msg.OtherEntityID == core.NoNetID {
				p.log.Warn().Str("car", cp.CarID()).Str("other", other.CarID()).Msg("连挂对象未同步，忽略")
				delete(p.pending, key)
				return
			}
			msg.IsFrontOtherCoupler = other.IsFront()
			msg.Flags = core.CouplerFlagCouple
		case core.CouplerParked:
			msg.Flags = core.CouplerFlagPark
		case core.CouplerDangling:
			msg.Flags = core.CouplerFlagDrop
		default:
			return
		}
		delete(p.pending, key)
		c.send(msg)

	case prev == core.CouplerAttachedLoose && next == core.CouplerAttachedTight,
		prev == core.CouplerAttachedTight && next == core.CouplerAttachedLoose:
		// 两侧同时变化，只由键较小的一侧发送
		other := cp.CoupledTo()
		if other != nil && !ownsPair(cp, other) {
			return
		}
		flag := core.CouplerFlagTighten
		if next == core.CouplerAttachedLoose {
			flag = core.CouplerFlagLoosen
		}
		c.send(&protocol.CouplerInteraction{EntityID: c.NetID(), IsFrontCoupler: cp.IsFront(), Flags: flag})
	}
}

// Apply 处理收到的车钩交互。无效请求记录警告，不改变状态。
func (p *CouplerProtocol) Apply(msg *protocol.CouplerInteraction) error {
	err := p.apply(msg)
	if err != nil {
		p.log.Warn().Err(err).
			Uint16("entity", msg.EntityID).
			Bool("front", msg.IsFrontCoupler).
			Stringer("flags", msg.Flags).
			Msg("拒绝车钩交互")
	}
	return err
}

func (p *CouplerProtocol) apply(msg *protocol.CouplerInteraction) error {
	c, ok := p.registry.Get(msg.EntityID)
	if !ok {
		return fmt.Errorf("实体 %d: %w", msg.EntityID, ErrUnknownEntity)
	}
	cp := core.CouplerOf(c.car, msg.IsFrontCoupler)
	if cp == nil {
		return fmt.Errorf("实体 %d 没有该车钩: %w", msg.EntityID, ErrInvalidRequest)
	}
	state := cp.State()

	switch {
	case msg.Flags.Has(core.CouplerFlagCouple):
		other, ok := p.registry.Get(msg.OtherEntityID)
		if !ok {
			return fmt.Errorf("连挂对象 %d: %w", msg.OtherEntityID, ErrUnknownEntity)
		}
		target := core.CouplerOf(other.car, msg.IsFrontOtherCoupler)
		if target == nil {
			return fmt.Errorf("连挂对象 %d 没有该车钩: %w", msg.OtherEntityID, ErrInvalidRequest)
		}
		tighten := msg.Flags.Has(core.CouplerFlagTighten)
		// 已连挂到同一车钩：只需对齐松紧
		if state.IsAttached() && cp.CoupledTo() != nil && keyOf(cp.CoupledTo()) == keyOf(target) {
			if tighten != (state == core.CouplerAttachedTight) {
				p.withApplying(cp.TriggerTightness)
			}
			return nil
		}
		p.startJob(&convergenceJob{coupler: cp, target: target, mode: modeAttach, tightenAfter: tighten})

	case msg.Flags.Has(core.CouplerFlagPark):
		if state == core.CouplerAttachedTight {
			return fmt.Errorf("拉紧状态不能停放: %w", ErrInvalidRequest)
		}
		if state == core.CouplerParked {
			return nil
		}
		p.startJob(&convergenceJob{coupler: cp, mode: modePark})

	case msg.Flags.Has(core.CouplerFlagDrop):
		if state == core.CouplerAttachedTight {
			return fmt.Errorf("拉紧状态不能放下: %w", ErrInvalidRequest)
		}
		if state == core.CouplerDangling {
			return nil
		}
		p.startJob(&convergenceJob{coupler: cp, mode: modeDrop})

	case msg.Flags.Has(core.CouplerFlagLoosen):
		if state != core.CouplerAttachedTight {
			return fmt.Errorf("当前状态 %s 不能放松: %w", state, ErrInvalidRequest)
		}
		p.withApplying(cp.TriggerTightness)

	case msg.Flags.Has(core.CouplerFlagTighten):
		if state != core.CouplerAttachedLoose {
			return fmt.Errorf("当前状态 %s 不能拉紧: %w", state, ErrInvalidRequest)
		}
		p.withApplying(cp.TriggerTightness)

	default:
		return fmt.Errorf("空的交互标志: %w", ErrInvalidRequest)
	}
	return nil
}

func (p *CouplerProtocol) withApplying(fn func()) {
	p.applying++
	defer func() { p.applying-- }()
	fn()
}

// startJob 创建收敛过程并立即拿起车钩，同一车钩的旧过程被替换
func (p *CouplerProtocol) startJob(job *convergenceJob) {
	key := keyOf(job.coupler)
	p.dropJob(key)
	delete(p.pending, key)

	job.iterationsRemaining = MaxIterations
	p.withApplying(job.coupler.Pickup)

	p.jobs[key] = job
	p.jobOrder = append(p.jobOrder, key)
	p.log.Debug().
		Str("car", key.carID).
		Bool("front", key.front).
		Stringer("mode", job.mode).
		Msg("开始车钩收敛")
}

func (p *CouplerProtocol) dropJob(key couplerKey) {
	if _, ok := p.jobs[key]; !ok {
		return
	}
	delete(p.jobs, key)
	for i, k := range p.jobOrder {
		if k == key {
			p.jobOrder = append(p.jobOrder[:i], p.jobOrder[i+1:]...)
			return
		}
	}
}

// Step 每 tick 推进所有收敛过程
func (p *CouplerProtocol) Step() {
	if len(p.jobOrder) == 0 {
		return
	}
	keys := append([]couplerKey(nil), p.jobOrder...)
	for _, key := range keys {
		job, ok := p.jobs[key]
		if !ok {
			continue
		}
		p.advance(key, job)
	}
}

func (p *CouplerProtocol) advance(key couplerKey, job *convergenceJob) {
	p.applying++
	defer func() { p.applying-- }()

	cp := job.coupler
	// 过程中车钩被物理或其他交互改变，放弃
	if cp.State() != core.CouplerBeingDragged {
		p.dropJob(key)
		return
	}

	cp.MoveAnchorToward(job.targetPoint())
	job.iterationsRemaining--
	done := job.converged(p.threshold)
	if !done && job.iterationsRemaining > 0 {
		return
	}

	cp.Release()
	p.dropJob(key)
	if job.tightenAfter && cp.State() == core.CouplerAttachedLoose {
		cp.TriggerTightness()
	}

	evt := p.log.Debug()
	if !done {
		evt = p.log.Warn()
	}
	evt.Str("car", key.carID).
		Bool("front", key.front).
		Stringer("mode", job.mode).
		Stringer("state", cp.State()).
		Bool("converged", done).
		Msg("车钩收敛结束")
}
