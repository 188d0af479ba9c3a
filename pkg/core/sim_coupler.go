package core

type couplerTransition struct {
	prev, next CouplerState
}

// SimCoupler 内存车钩。
// 挂点位于车端外侧；停放点收在车体一侧，悬垂点在挂点下方。
type SimCoupler struct {
	car       *SimCar
	front     bool
	state     CouplerState
	coupledTo *SimCoupler

	dragAnchor Vec3
	changed    signal[couplerTransition]
}

func (c *SimCoupler) CarID() string       { return c.car.id }
func (c *SimCoupler) IsFront() bool       { return c.front }
func (c *SimCoupler) State() CouplerState { return c.state }

// Car 所属车辆
func (c *SimCoupler) Car() *SimCar { return c.car }

func (c *SimCoupler) CoupledTo() Coupler {
	if c.coupledTo == nil {
		return nil
	}
	return c.coupledTo
}

// Partner 具体类型的连挂对象
func (c *SimCoupler) Partner() *SimCoupler { return c.coupledTo }

func (c *SimCoupler) OnStateChanged(fn func(prev, next CouplerState)) func() {
	return c.changed.subscribe(func(t couplerTransition) { fn(t.prev, t.next) })
}

func (c *SimCoupler) sign() float32 {
	if c.front {
		return 1
	}
	return -1
}

func (c *SimCoupler) AttachPoint() Vec3 {
	offset := c.car.length/2 + CouplerHookOffset
	return c.car.Position().Add(Vec3{X: c.sign() * offset})
}

func (c *SimCoupler) ParkedAnchor() Vec3 {
	return c.AttachPoint().Add(Vec3{X: -c.sign() * 0.6, Y: 0.3})
}

func (c *SimCoupler) DangleAnchor() Vec3 {
	return c.AttachPoint().Add(Vec3{X: -c.sign() * 0.2, Y: -0.6})
}

func (c *SimCoupler) AnchorPosition() Vec3 {
	switch c.state {
	case CouplerBeingDragged:
		return c.dragAnchor
	case CouplerParked:
		return c.ParkedAnchor()
	case CouplerAttachedLoose, CouplerAttachedTight:
		return c.AttachPoint()
	default:
		return c.DangleAnchor()
	}
}

func (c *SimCoupler) setState(next CouplerState) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.changed.emit(couplerTransition{prev: prev, next: next})
}

// Pickup 玩家拿起车钩：已连挂的先解钩
func (c *SimCoupler) Pickup() {
	if c.state == CouplerBeingDragged {
		return
	}
	anchor := c.AnchorPosition()
	c.detach()
	c.dragAnchor = anchor
	c.setState(CouplerBeingDragged)
}

// MoveAnchorToward 拖动一步，按比例跟随并限制单步位移
func (c *SimCoupler) MoveAnchorToward(target Vec3) {
	if c.state != CouplerBeingDragged {
		return
	}
	delta := target.Sub(c.dragAnchor).Scale(AnchorFollowRate)
	if l := delta.Length(); l > AnchorMaxStep {
		delta = delta.Scale(AnchorMaxStep / l)
	}
	c.dragAnchor = c.dragAnchor.Add(delta)
}

// Release 松手，由物理决定最终状态
func (c *SimCoupler) Release() {
	if c.state != CouplerBeingDragged {
		return
	}
	if c.car.world != nil {
		if other := c.car.world.nearestFreeCoupler(c, c.dragAnchor, CoupleRange); other != nil {
			c.attach(other)
			return
		}
	}
	if Distance(c.dragAnchor, c.ParkedAnchor()) <= ParkRange {
		c.setState(CouplerParked)
		return
	}
	c.setState(CouplerDangling)
}

// TriggerTightness 松紧切换，两侧同时变化
func (c *SimCoupler) TriggerTightness() {
	if c.coupledTo == nil {
		return
	}
	var next CouplerState
	switch c.state {
	case CouplerAttachedLoose:
		next = CouplerAttachedTight
	case CouplerAttachedTight:
		next = CouplerAttachedLoose
	default:
		return
	}
	other := c.coupledTo
	c.setState(next)
	other.setState(next)
}

func (c *SimCoupler) attach(other *SimCoupler) {
	c.detach()
	other.detach()
	c.coupledTo = other
	other.coupledTo = c
	c.setState(CouplerAttachedLoose)
	other.setState(CouplerAttachedLoose)
}

func (c *SimCoupler) detach() {
	other := c.coupledTo
	if other == nil {
		return
	}
	c.coupledTo = nil
	other.coupledTo = nil
	other.setState(CouplerDangling)
}

// isFree 可被连挂：未连挂且未被拖动
func (c *SimCoupler) isFree() bool {
	return c.coupledTo == nil && c.state != CouplerBeingDragged
}
