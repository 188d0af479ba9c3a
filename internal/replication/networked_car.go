package replication

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

const (
	// PortEpsilon 端口值与上次发送值之差小于该值时不标脏
	PortEpsilon = 0.001
	// MaxIDsPerDelta 每个实体每 tick 最多发送的端口/保险丝数量，剩余的留到下一 tick
	MaxIDsPerDelta = 64
	// FullSyncInterval 完整位姿校正的间隔（tick）
	FullSyncInterval = 120
)

// NetworkedCar 一辆车的同步状态：脏集合、上次发送值与各子系统的脏标志。
// 只在 tick 线程上访问。
type NetworkedCar struct {
	log      zerolog.Logger
	debugLog zerolog.Logger

	identity core.NetworkIdentity
	car      core.Car
	registry *Registry
	link     Link
	host     bool
	maxIDs   int

	dirtyPorts         map[string]struct{}
	lastSentPortValues map[string]float32
	dirtyFuses         map[string]struct{}

	handbrakeDirty     bool
	mainReservoirDirty bool
	cargoDirty         bool
	cargoIsLoading     bool
	healthDirty        bool
	fireboxDirty       bool
	couplersDirty      bool
	cablesDirty        bool
	bogieTracksDirty   bool

	lastFullSync uint32
	applying     bool
	unsubs       []func()
}

func newNetworkedCar(logger zerolog.Logger, r *Registry, identity core.NetworkIdentity, car core.Car) *NetworkedCar {
	log := logger.With().Str("car", car.ID()).Uint16("net_id", identity.ID).Logger()
	c := &NetworkedCar{
		log:                log,
		debugLog:           log.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second}),
		identity:           identity,
		car:                car,
		registry:           r,
		link:               r.opts.Link,
		host:               r.opts.Host,
		maxIDs:             r.opts.MaxIDsPerDelta,
		dirtyPorts:         make(map[string]struct{}),
		lastSentPortValues: make(map[string]float32),
		dirtyFuses:         make(map[string]struct{}),
	}
	if c.maxIDs <= 0 {
		c.maxIDs = MaxIDsPerDelta
	}
	c.observe()
	return c
}

// Identity 网络身份
func (c *NetworkedCar) Identity() core.NetworkIdentity { return c.identity }

// NetID 网络 ID
func (c *NetworkedCar) NetID() uint16 { return c.identity.ID }

// Car 被同步的车辆
func (c *NetworkedCar) Car() core.Car { return c.car }

func (c *NetworkedCar) suppressed() bool {
	return c.applying || (c.link != nil && c.link.IsProcessingPacket())
}

// observe 按角色注册观察者
func (c *NetworkedCar) observe() {
	if flow := c.car.Flow(); flow != nil {
		for _, id := range flow.PortIDs() {
			port, ok := flow.Port(id)
			if !ok {
				continue
			}
			// 客户端只同步玩家可操作的控制端口
			if port.ValueType() == core.PortControl || c.host {
				c.unsubs = append(c.unsubs, flow.ObservePort(id, c.onPortUpdated))
			}
		}
		if c.host {
			for _, id := range flow.FuseIDs() {
				c.unsubs = append(c.unsubs, flow.ObserveFuse(id, c.onFuseUpdated))
			}
		}
	}

	if brakes := c.car.Brakes(); brakes != nil {
		c.unsubs = append(c.unsubs,
			brakes.OnHandbrakeChanged(func(float32) {
				if !c.suppressed() {
					c.handbrakeDirty = true
				}
			}),
			brakes.OnBrakeCylinderReleased(c.onBrakeCylinderReleased),
		)
		if c.host {
			c.unsubs = append(c.unsubs, brakes.OnMainReservoirChanged(func(float32) {
				c.mainReservoirDirty = true
			}))
		}
	}

	if fb := c.car.Firebox(); fb != nil {
		if c.host {
			c.unsubs = append(c.unsubs, fb.OnStateChanged(func() {
				if !c.suppressed() {
					c.fireboxDirty = true
				}
			}))
		} else {
			c.unsubs = append(c.unsubs, fb.OnCoalAdded(c.onAddCoal), fb.OnIgnited(c.onIgnite))
		}
	}

	if !c.host {
		return
	}

	if cargo := c.car.Cargo(); cargo != nil {
		c.unsubs = append(c.unsubs,
			cargo.OnLoaded(func() {
				c.cargoDirty = true
				c.cargoIsLoading = true
			}),
			cargo.OnUnloaded(func() {
				c.cargoDirty = true
				c.cargoIsLoading = false
			}),
		)
	}
	if dmg := c.car.Damage(); dmg != nil {
		c.unsubs = append(c.unsubs, dmg.OnHealthChanged(func(float32) {
			c.healthDirty = true
		}))
	}
	for _, b := range c.car.Bogies() {
		if b == nil {
			continue
		}
		c.unsubs = append(c.unsubs, b.OnTrackChanged(func() {
			c.bogieTracksDirty = true
		}))
	}
	for _, cable := range c.car.Cables() {
		if cable == nil {
			continue
		}
		c.unsubs = append(c.unsubs, cable.OnConnectionChanged(func() {
			if !c.suppressed() {
				c.MarkCablesDirty()
			}
		}))
	}
}

// Close 取消所有观察者
func (c *NetworkedCar) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *NetworkedCar) onPortUpdated(p core.Port) {
	if c.suppressed() {
		return
	}
	v := p.Value()
	if isNaN(p.PrevValue()) && isNaN(v) {
		return
	}
	if last, ok := c.lastSentPortValues[p.ID()]; ok && abs32(last-v) < PortEpsilon {
		return
	}
	c.dirtyPorts[p.ID()] = struct{}{}
	c.debugLog.Debug().Str("port", p.ID()).Float32("value", v).Msg("端口标脏")
}

func (c *NetworkedCar) onFuseUpdated(f core.Fuse) {
	if c.suppressed() {
		return
	}
	c.dirtyFuses[f.ID()] = struct{}{}
}

func (c *NetworkedCar) onBrakeCylinderReleased() {
	if c.suppressed() {
		return
	}
	c.send(&protocol.BrakeCylinderReleased{EntityID: c.identity.ID})
}

func (c *NetworkedCar) onAddCoal(delta float32) {
	if c.suppressed() || delta <= 0 {
		return
	}
	c.send(&protocol.FireboxAddCoal{EntityID: c.identity.ID, CoalMassDelta: delta})
}

func (c *NetworkedCar) onIgnite() {
	if c.suppressed() {
		return
	}
	c.send(&protocol.FireboxIgnite{EntityID: c.identity.ID})
}

func (c *NetworkedCar) send(msg protocol.Message) bool {
	if c.link == nil {
		return false
	}
	if err := c.link.Send(msg); err != nil {
		c.log.Warn().Err(err).Stringer("type", msg.Type()).Msg("发送同步消息失败")
		return false
	}
	return true
}

// DirtyAll 标记全部状态为脏（新客户端加入或实体创建时）。
// 只记录基线，不直接发送。
func (c *NetworkedCar) DirtyAll() {
	c.handbrakeDirty = true
	c.mainReservoirDirty = true
	c.cargoDirty = true
	c.cargoIsLoading = true
	c.healthDirty = true
	c.bogieTracksDirty = true
	c.couplersDirty = true
	c.cablesDirty = true
	c.fireboxDirty = c.car.Firebox() != nil

	flow := c.car.Flow()
	if flow == nil {
		return
	}
	for _, id := range flow.PortIDs() {
		port, ok := flow.Port(id)
		if !ok {
			continue
		}
		c.dirtyPorts[id] = struct{}{}
		c.lastSentPortValues[id] = port.Value()
	}
	for _, id := range flow.FuseIDs() {
		c.dirtyFuses[id] = struct{}{}
	}
}

// DirtyPorts 重新标脏指定端口，未知端口记录后跳过
func (c *NetworkedCar) DirtyPorts(ids []string) {
	flow := c.car.Flow()
	if flow == nil {
		return
	}
	for _, id := range ids {
		if _, ok := flow.Port(id); !ok {
			c.log.Warn().Str("port", id).Msg("标脏的端口不存在")
			continue
		}
		c.dirtyPorts[id] = struct{}{}
	}
}

// DirtyFuses 重新标脏指定保险丝
func (c *NetworkedCar) DirtyFuses(ids []string) {
	flow := c.car.Flow()
	if flow == nil {
		return
	}
	for _, id := range ids {
		if _, ok := flow.Fuse(id); !ok {
			c.log.Warn().Str("fuse", id).Msg("标脏的保险丝不存在")
			continue
		}
		c.dirtyFuses[id] = struct{}{}
	}
}

// MarkCablesDirty 重联电缆变化后由主机调用
func (c *NetworkedCar) MarkCablesDirty() { c.cablesDirty = true }

// MarkCouplersDirty 要求下一 tick 重发车钩状态
func (c *NetworkedCar) MarkCouplersDirty() { c.couplersDirty = true }

// MarkFireboxDirty 主机应用客户端的火箱控制事件后调用
func (c *NetworkedCar) MarkFireboxDirty() { c.fireboxDirty = c.car.Firebox() != nil }

// IsPortDirty 端口是否等待发送
func (c *NetworkedCar) IsPortDirty(id string) bool {
	_, ok := c.dirtyPorts[id]
	return ok
}

// DirtyPortCount 等待发送的端口数
func (c *NetworkedCar) DirtyPortCount() int { return len(c.dirtyPorts) }

// DirtyFuseCount 等待发送的保险丝数
func (c *NetworkedCar) DirtyFuseCount() int { return len(c.dirtyFuses) }

// LastSentPortValue 上次发送（或应用）的端口值
func (c *NetworkedCar) LastSentPortValue(id string) (float32, bool) {
	v, ok := c.lastSentPortValues[id]
	return v, ok
}

// Flush 在 tick 订阅中调用：手刹、保险丝、端口；主机再发送其余子系统与物理
func (c *NetworkedCar) Flush(tick uint32) {
	c.flushHandbrake()
	c.flushFuses()
	c.flushPorts()
	if !c.host {
		return
	}
	c.flushBrakePressures()
	c.flushFirebox()
	c.flushCables()
	c.flushCouplers()
	c.flushCargo()
	c.flushHealth()
	c.flushPhysics(tick)
}

func (c *NetworkedCar) flushHandbrake() {
	if !c.handbrakeDirty {
		return
	}
	brakes := c.car.Brakes()
	if brakes == nil || !brakes.HasHandbrake() {
		c.handbrakeDirty = false
		return
	}
	if c.send(&protocol.HandbrakeChanged{EntityID: c.identity.ID, Position: brakes.HandbrakePosition()}) {
		c.handbrakeDirty = false
	}
}

func sortedBatch(set map[string]struct{}, limit int) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (c *NetworkedCar) flushPorts() {
	flow := c.car.Flow()
	if flow == nil || len(c.dirtyPorts) == 0 {
		return
	}

	ids := sortedBatch(c.dirtyPorts, c.maxIDs)
	msg := &protocol.PortsDelta{
		EntityID: c.identity.ID,
		PortIDs:  make([]string, 0, len(ids)),
		Values:   make([]float32, 0, len(ids)),
	}
	for _, id := range ids {
		delete(c.dirtyPorts, id)
		port, ok := flow.Port(id)
		if !ok {
			c.log.Warn().Str("port", id).Msg("待发送的端口不存在，跳过")
			continue
		}
		v := port.Value()
		c.lastSentPortValues[id] = v
		msg.PortIDs = append(msg.PortIDs, id)
		msg.Values = append(msg.Values, v)
	}
	if len(msg.PortIDs) == 0 {
		return
	}

	if !c.send(msg) {
		for _, id := range msg.PortIDs {
			c.dirtyPorts[id] = struct{}{}
		}
	}
}

func (c *NetworkedCar) flushFuses() {
	flow := c.car.Flow()
	if flow == nil || len(c.dirtyFuses) == 0 {
		return
	}

	ids := sortedBatch(c.dirtyFuses, c.maxIDs)
	msg := &protocol.FusesDelta{
		EntityID: c.identity.ID,
		FuseIDs:  make([]string, 0, len(ids)),
		States:   make([]bool, 0, len(ids)),
	}
	for _, id := range ids {
		delete(c.dirtyFuses, id)
		fuse, ok := flow.Fuse(id)
		if !ok {
			c.log.Warn().Str("fuse", id).Msg("待发送的保险丝不存在，跳过")
			continue
		}
		msg.FuseIDs = append(msg.FuseIDs, id)
		msg.States = append(msg.States, fuse.State())
	}
	if len(msg.FuseIDs) == 0 {
		return
	}

	if !c.send(msg) {
		for _, id := range msg.FuseIDs {
			c.dirtyFuses[id] = struct{}{}
		}
	}
}

func (c *NetworkedCar) flushBrakePressures() {
	if !c.mainReservoirDirty {
		return
	}
	brakes := c.car.Brakes()
	if brakes == nil {
		c.mainReservoirDirty = false
		return
	}
	if c.send(&protocol.BrakePressures{EntityID: c.identity.ID, BrakePressures: brakes.Pressures()}) {
		c.mainReservoirDirty = false
	}
}

func (c *NetworkedCar) flushFirebox() {
	if !c.fireboxDirty {
		return
	}
	fb := c.car.Firebox()
	if fb == nil {
		c.fireboxDirty = false
		return
	}
	if c.send(&protocol.FireboxState{EntityID: c.identity.ID, Contents: fb.Contents(), IsOn: fb.IsOn()}) {
		c.fireboxDirty = false
	}
}

func (c *NetworkedCar) flushCables() {
	if !c.cablesDirty {
		return
	}
	for _, cable := range c.car.Cables() {
		if cable == nil {
			continue
		}
		msg := &protocol.CableConnected{EntityID: c.identity.ID, IsFront: cable.IsFront()}
		if other := cable.ConnectedTo(); other != nil {
			msg.OtherEntityID = c.registry.NetIDOf(other.CarID())
			msg.OtherIsFront = other.IsFront()
			if msg.OtherEntityID == core.NoNetID {
				continue
			}
		}
		if !c.send(msg) {
			return
		}
	}
	c.cablesDirty = false
}

// flushCouplers 重发车钩状态：连挂、停放与拉紧。
// 一对连挂车钩只由键较小的一侧发送。
func (c *NetworkedCar) flushCouplers() {
	if !c.couplersDirty {
		return
	}
	for _, cp := range c.car.Couplers() {
		if cp == nil {
			continue
		}
		msg := &protocol.CouplerInteraction{EntityID: c.identity.ID, IsFrontCoupler: cp.IsFront()}
		switch state := cp.State(); {
		case state.IsAttached():
			other := cp.CoupledTo()
			if other == nil || !ownsPair(cp, other) {
				continue
			}
			msg.OtherEntityID = c.registry.NetIDOf(other.CarID())
			if msg.OtherEntityID == core.NoNetID {
				continue
			}
			msg.IsFrontOtherCoupler = other.IsFront()
			msg.Flags = core.CouplerFlagCouple
			if state == core.CouplerAttachedTight {
				msg.Flags |= core.CouplerFlagTighten
			}
		case state == core.CouplerParked:
			msg.Flags = core.CouplerFlagPark
		case state == core.CouplerDangling:
			msg.Flags = core.CouplerFlagDrop
		default:
			continue
		}
		if !c.send(msg) {
			return
		}
	}
	c.couplersDirty = false
}

func (c *NetworkedCar) flushCargo() {
	if !c.cargoDirty {
		return
	}
	cargo := c.car.Cargo()
	if cargo == nil {
		c.cargoDirty = false
		return
	}
	// 全量同步时车上没有货物则无需发送
	if c.cargoIsLoading && !cargo.IsLoaded() {
		c.cargoDirty = false
		return
	}
	msg := &protocol.CargoState{EntityID: c.identity.ID, IsLoading: c.cargoIsLoading, ModelIndex: core.NoCargoModel}
	if c.cargoIsLoading {
		msg.ModelIndex = cargo.ModelIndex()
	}
	if c.send(msg) {
		c.cargoDirty = false
	}
}

func (c *NetworkedCar) flushHealth() {
	if !c.healthDirty {
		return
	}
	dmg := c.car.Damage()
	if dmg == nil {
		c.healthDirty = false
		return
	}
	if c.send(&protocol.HealthUpdate{EntityID: c.identity.ID, Health: dmg.Health()}) {
		c.healthDirty = false
	}
}

// flushPhysics 运动中的车辆每 tick 发送；静止车辆只在需要完整校正时发送
func (c *NetworkedCar) flushPhysics(tick uint32) {
	body := c.car.Body()
	if body == nil {
		return
	}
	full := c.bogieTracksDirty || tick-c.lastFullSync >= FullSyncInterval
	if body.Speed() == 0 && !body.IsDerailed() && !full {
		return
	}

	msg := &protocol.PhysicsUpdate{EntityID: c.identity.ID, Tick: tick}
	if body.IsDerailed() {
		msg.Flags = protocol.PhysicsRigidBody
		msg.Rigidbody = body.Rigidbody()
	} else {
		msg.Flags = protocol.PhysicsSpeed
		msg.Speed = body.Speed()
		for i, b := range c.car.Bogies() {
			if b != nil {
				msg.Bogies[i] = b.Data()
			}
		}
		if full {
			msg.Flags |= protocol.PhysicsPosition
			msg.Position, msg.Rotation = body.Pose()
		}
	}

	if c.send(msg) && full {
		c.bogieTracksDirty = false
		c.lastFullSync = tick
	}
}

// ValidateClientPorts 主机检查客户端的端口写入：
// 只允许控制端口；玩家必须在车上，或与车的距离不超过车长。
// 拒绝时重新标脏，让权威值覆盖客户端。
func (c *NetworkedCar) ValidateClientPorts(req Requester, msg *protocol.PortsDelta) bool {
	if flow := c.car.Flow(); flow != nil {
		for _, id := range msg.PortIDs {
			port, ok := flow.Port(id)
			if ok && port.ValueType() != core.PortControl {
				c.log.Warn().Str("player", req.Username).Str("port", id).
					Stringer("value_type", port.ValueType()).Msg("玩家试图写入非控制端口")
				c.DirtyPorts(msg.PortIDs)
				return false
			}
		}
	}

	if req.CarID == c.car.ID() {
		return true
	}

	length := c.car.Length()
	if req.Position.Sub(c.car.Position()).SqrLength() <= length*length {
		return true
	}

	c.log.Warn().Str("player", req.Username).Msg("玩家试图写入不在附近的车辆端口")
	c.DirtyPorts(msg.PortIDs)
	return false
}

func (c *NetworkedCar) apply(fn func()) {
	c.applying = true
	defer func() { c.applying = false }()
	fn()
}

// ApplyPorts 应用远端端口增量，外部输入端口走 ExternalValueUpdate
func (c *NetworkedCar) ApplyPorts(msg *protocol.PortsDelta) {
	flow := c.car.Flow()
	if flow == nil {
		return
	}
	c.apply(func() {
		for i, id := range msg.PortIDs {
			port, ok := flow.Port(id)
			if !ok {
				c.log.Warn().Str("port", id).Msg("收到未知端口")
				continue
			}
			v := msg.Values[i]
			if port.ValueType() == core.PortExternalInput {
				port.ExternalValueUpdate(v)
			} else {
				port.SetValue(v)
			}
			c.lastSentPortValues[id] = v
		}
	})
}

// ApplyFuses 应用保险丝增量
func (c *NetworkedCar) ApplyFuses(msg *protocol.FusesDelta) {
	flow := c.car.Flow()
	if flow == nil {
		return
	}
	c.apply(func() {
		for i, id := range msg.FuseIDs {
			fuse, ok := flow.Fuse(id)
			if !ok {
				c.log.Warn().Str("fuse", id).Msg("收到未知保险丝")
				continue
			}
			fuse.ChangeState(msg.States[i])
		}
	})
}

// ApplyHandbrake 应用手刹位置
func (c *NetworkedCar) ApplyHandbrake(msg *protocol.HandbrakeChanged) {
	brakes := c.car.Brakes()
	if brakes == nil || !brakes.HasHandbrake() {
		return
	}
	c.apply(func() { brakes.SetHandbrakePosition(msg.Position) })
}

// ApplyBrakeCylinderReleased 缓解制动缸
func (c *NetworkedCar) ApplyBrakeCylinderReleased() {
	if brakes := c.car.Brakes(); brakes != nil {
		c.apply(brakes.ReleaseBrakeCylinder)
	}
}

// ApplyBrakePressures 应用主机的制动压力
func (c *NetworkedCar) ApplyBrakePressures(msg *protocol.BrakePressures) {
	if brakes := c.car.Brakes(); brakes != nil {
		c.apply(func() { brakes.SetPressures(msg.BrakePressures) })
	}
}

// ApplyFireboxState 应用主机的火箱状态
func (c *NetworkedCar) ApplyFireboxState(msg *protocol.FireboxState) {
	if fb := c.car.Firebox(); fb != nil {
		c.apply(func() { fb.SetState(msg.Contents, msg.IsOn) })
	}
}

// ApplyAddCoal 主机应用客户端加煤，并广播新的火箱状态
func (c *NetworkedCar) ApplyAddCoal(msg *protocol.FireboxAddCoal) {
	fb := c.car.Firebox()
	if fb == nil || msg.CoalMassDelta <= 0 {
		return
	}
	c.apply(func() { fb.AddCoal(msg.CoalMassDelta) })
	c.MarkFireboxDirty()
}

// ApplyIgnite 主机应用客户端点火
func (c *NetworkedCar) ApplyIgnite() {
	fb := c.car.Firebox()
	if fb == nil {
		return
	}
	c.apply(fb.Ignite)
	c.MarkFireboxDirty()
}

// ApplyCargo 应用货物装卸
func (c *NetworkedCar) ApplyCargo(msg *protocol.CargoState) {
	if cargo := c.car.Cargo(); cargo != nil {
		c.apply(func() { cargo.SetCargo(msg.IsLoading, msg.ModelIndex) })
	}
}

// ApplyHealth 应用健康度
func (c *NetworkedCar) ApplyHealth(msg *protocol.HealthUpdate) {
	if dmg := c.car.Damage(); dmg != nil {
		c.apply(func() { dmg.SetHealth(msg.Health) })
	}
}

func isNaN(v float32) bool {
	return math.IsNaN(float64(v))
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// couplerKey 车钩的稳定标识
type couplerKey struct {
	carID string
	front bool
}

func keyOf(cp core.Coupler) couplerKey {
	return couplerKey{carID: cp.CarID(), front: cp.IsFront()}
}

func (k couplerKey) less(o couplerKey) bool {
	if k.carID != o.carID {
		return k.carID < o.carID
	}
	return k.front && !o.front
}

// ownsPair 连挂对中由键较小的一侧负责发送
func ownsPair(cp, other core.Coupler) bool {
	return keyOf(cp).less(keyOf(other))
}
