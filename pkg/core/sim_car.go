package core

// SimBrakes 内存制动系统
type SimBrakes struct {
	hasHandbrake bool
	handbrake    float32
	pressures    BrakePressures

	handbrakeChanged signal[float32]
	cylinderReleased signal[struct{}]
	mainResChanged   signal[float32]
}

func (b *SimBrakes) HasHandbrake() bool         { return b.hasHandbrake }
func (b *SimBrakes) HandbrakePosition() float32 { return b.handbrake }
func (b *SimBrakes) Pressures() BrakePressures  { return b.pressures }

func (b *SimBrakes) SetHandbrakePosition(p float32) {
	if p == b.handbrake {
		return
	}
	b.handbrake = p
	b.handbrakeChanged.emit(p)
}

func (b *SimBrakes) ReleaseBrakeCylinder() {
	b.pressures.BrakeCylinder = 0
	b.cylinderReleased.emit(struct{}{})
}

func (b *SimBrakes) SetPressures(p BrakePressures) {
	changed := p.MainReservoir != b.pressures.MainReservoir
	b.pressures = p
	if changed {
		b.mainResChanged.emit(p.MainReservoir)
	}
}

func (b *SimBrakes) OnHandbrakeChanged(fn func(float32)) func() {
	return b.handbrakeChanged.subscribe(fn)
}

func (b *SimBrakes) OnBrakeCylinderReleased(fn func()) func() {
	return b.cylinderReleased.subscribe(func(struct{}) { fn() })
}

func (b *SimBrakes) OnMainReservoirChanged(fn func(float32)) func() {
	return b.mainResChanged.subscribe(fn)
}

// SimFirebox 内存火箱
type SimFirebox struct {
	contents float32
	on       bool

	stateChanged signal[struct{}]
	coalAdded    signal[float32]
	ignited      signal[struct{}]
}

func (f *SimFirebox) Contents() float32 { return f.contents }
func (f *SimFirebox) IsOn() bool        { return f.on }

func (f *SimFirebox) SetState(contents float32, on bool) {
	if contents == f.contents && on == f.on {
		return
	}
	f.contents = contents
	f.on = on
	f.stateChanged.emit(struct{}{})
}

// AddCoal 玩家加煤
func (f *SimFirebox) AddCoal(delta float32) {
	f.coalAdded.emit(delta)
	f.SetState(f.contents+delta, f.on)
}

// Ignite 玩家点火
func (f *SimFirebox) Ignite() {
	f.ignited.emit(struct{}{})
	f.SetState(f.contents, true)
}

// Burn 燃烧消耗（仿真步进）
func (f *SimFirebox) Burn(amount float32) {
	if !f.on || f.contents <= 0 {
		return
	}
	next := f.contents - amount
	if next <= 0 {
		f.SetState(0, false)
		return
	}
	f.SetState(next, true)
}

func (f *SimFirebox) OnStateChanged(fn func()) func() {
	return f.stateChanged.subscribe(func(struct{}) { fn() })
}

func (f *SimFirebox) OnCoalAdded(fn func(float32)) func() {
	return f.coalAdded.subscribe(fn)
}

func (f *SimFirebox) OnIgnited(fn func()) func() {
	return f.ignited.subscribe(func(struct{}) { fn() })
}

// SimCargo 内存货物
type SimCargo struct {
	loaded     bool
	modelIndex uint8

	loadedSig   signal[struct{}]
	unloadedSig signal[struct{}]
}

func (c *SimCargo) IsLoaded() bool    { return c.loaded }
func (c *SimCargo) ModelIndex() uint8 { return c.modelIndex }

func (c *SimCargo) SetCargo(loaded bool, modelIndex uint8) {
	was := c.loaded
	c.loaded = loaded
	c.modelIndex = modelIndex
	if !loaded {
		c.modelIndex = NoCargoModel
	}
	switch {
	case loaded && !was:
		c.loadedSig.emit(struct{}{})
	case !loaded && was:
		c.unloadedSig.emit(struct{}{})
	}
}

func (c *SimCargo) OnLoaded(fn func()) func() {
	return c.loadedSig.subscribe(func(struct{}) { fn() })
}

func (c *SimCargo) OnUnloaded(fn func()) func() {
	return c.unloadedSig.subscribe(func(struct{}) { fn() })
}

// SimDamage 内存损伤
type SimDamage struct {
	health  float32
	changed signal[float32]
}

func (d *SimDamage) Health() float32 { return d.health }

func (d *SimDamage) SetHealth(h float32) {
	if h == d.health {
		return
	}
	d.health = h
	d.changed.emit(h)
}

func (d *SimDamage) OnHealthChanged(fn func(float32)) func() {
	return d.changed.subscribe(fn)
}

// SimBody 内存车体
type SimBody struct {
	position  Vec3
	rotation  Quat
	speed     float32
	derailed  bool
	rigidbody RigidbodySnapshot

	teleports int
}

func (b *SimBody) Pose() (Vec3, Quat) { return b.position, b.rotation }
func (b *SimBody) Speed() float32     { return b.speed }
func (b *SimBody) IsDerailed() bool   { return b.derailed }

// Teleports 被强制定位的次数
func (b *SimBody) Teleports() int { return b.teleports }

func (b *SimBody) Rigidbody() RigidbodySnapshot {
	if b.derailed {
		return b.rigidbody
	}
	return RigidbodySnapshot{
		Position: b.position,
		Rotation: b.rotation,
		Velocity: Vec3{X: b.speed},
	}
}

func (b *SimBody) Teleport(pos Vec3, rot Quat) {
	b.position = pos
	b.rotation = rot
	b.teleports++
}

func (b *SimBody) ApplySpeed(speed float32) {
	b.speed = speed
}

func (b *SimBody) ApplyRigidbody(s RigidbodySnapshot) {
	b.derailed = true
	b.rigidbody = s
	b.position = s.Position
	b.rotation = s.Rotation
}

// Derail 脱轨，之后按刚体同步
func (b *SimBody) Derail() {
	b.derailed = true
	b.rigidbody = RigidbodySnapshot{Position: b.position, Rotation: b.rotation, Velocity: Vec3{X: b.speed}}
}

func (b *SimBody) step(dt float32) {
	if b.derailed {
		b.rigidbody.Position = b.rigidbody.Position.Add(b.rigidbody.Velocity.Scale(dt))
		b.position = b.rigidbody.Position
		return
	}
	b.position.X += b.speed * dt
}

// SimBogie 内存转向架
type SimBogie struct {
	data         BogieData
	trackChanged signal[struct{}]
}

func (b *SimBogie) Data() BogieData { return b.data }

func (b *SimBogie) Apply(d BogieData) {
	changed := d.TrackID != b.data.TrackID
	b.data = d
	if changed {
		b.trackChanged.emit(struct{}{})
	}
}

func (b *SimBogie) OnTrackChanged(fn func()) func() {
	return b.trackChanged.subscribe(func(struct{}) { fn() })
}

// SimCable 内存重联电缆
type SimCable struct {
	car         *SimCar
	front       bool
	connectedTo *SimCable
	changed     signal[struct{}]
}

func (c *SimCable) CarID() string { return c.car.id }
func (c *SimCable) IsFront() bool { return c.front }

func (c *SimCable) ConnectedTo() Cable {
	if c.connectedTo == nil {
		return nil
	}
	return c.connectedTo
}

func (c *SimCable) Connect(other Cable) {
	o, ok := other.(*SimCable)
	if !ok || o == c {
		return
	}
	c.Disconnect()
	o.Disconnect()
	c.connectedTo = o
	o.connectedTo = c
	c.changed.emit(struct{}{})
	o.changed.emit(struct{}{})
}

func (c *SimCable) Disconnect() {
	o := c.connectedTo
	if o == nil {
		return
	}
	o.connectedTo = nil
	c.connectedTo = nil
	c.changed.emit(struct{}{})
	o.changed.emit(struct{}{})
}

func (c *SimCable) OnConnectionChanged(fn func()) func() {
	return c.changed.subscribe(func(struct{}) { fn() })
}

// CarOptions 内存车辆构造参数
type CarOptions struct {
	Length       float32
	Position     Vec3
	Steam        bool // 带火箱
	MultipleUnit bool // 带重联电缆
	NoHandbrake  bool
	Flow         *SimFlow
	TrackID      string
}

// SimCar 内存车辆，作为同步核心的外部协作者
type SimCar struct {
	id     string
	length float32
	world  *SimWorld

	flow     *SimFlow
	brakes   *SimBrakes
	firebox  *SimFirebox
	cargo    *SimCargo
	damage   *SimDamage
	body     *SimBody
	bogies   [2]*SimBogie
	couplers [2]*SimCoupler
	cables   [2]*SimCable
}

// NewSimCar 创建内存车辆
func NewSimCar(id string, opts CarOptions) *SimCar {
	length := opts.Length
	if length <= 0 {
		length = DefaultCarLength
	}

	c := &SimCar{
		id:     id,
		length: length,
		flow:   opts.Flow,
		brakes: &SimBrakes{hasHandbrake: !opts.NoHandbrake},
		cargo:  &SimCargo{modelIndex: NoCargoModel},
		damage: &SimDamage{health: 1},
		body:   &SimBody{position: opts.Position, rotation: IdentityQuat},
	}
	for i := range c.bogies {
		c.bogies[i] = &SimBogie{data: BogieData{TrackID: opts.TrackID}}
	}
	c.couplers[0] = &SimCoupler{car: c, front: true}
	c.couplers[1] = &SimCoupler{car: c, front: false}
	if opts.Steam {
		c.firebox = &SimFirebox{}
	}
	if opts.MultipleUnit {
		c.cables[0] = &SimCable{car: c, front: true}
		c.cables[1] = &SimCable{car: c, front: false}
	}
	return c
}

func (c *SimCar) ID() string          { return c.id }
func (c *SimCar) Length() float32     { return c.length }
func (c *SimCar) Position() Vec3      { return c.body.position }
func (c *SimCar) Brakes() BrakeSystem { return c.brakes }
func (c *SimCar) Cargo() Cargo        { return c.cargo }
func (c *SimCar) Damage() Damage      { return c.damage }
func (c *SimCar) Body() Body          { return c.body }

// Flow 注意：不能把 nil 指针包装进接口返回
func (c *SimCar) Flow() SimulationFlow {
	if c.flow == nil {
		return nil
	}
	return c.flow
}

func (c *SimCar) Firebox() Firebox {
	if c.firebox == nil {
		return nil
	}
	return c.firebox
}

func (c *SimCar) Bogies() [2]Bogie {
	return [2]Bogie{c.bogies[0], c.bogies[1]}
}

func (c *SimCar) Couplers() [2]Coupler {
	return [2]Coupler{c.couplers[0], c.couplers[1]}
}

func (c *SimCar) Cables() [2]Cable {
	if c.cables[0] == nil {
		return [2]Cable{}
	}
	return [2]Cable{c.cables[0], c.cables[1]}
}

// 具体类型访问（测试与演示程序使用）

func (c *SimCar) SimFlow() *SimFlow        { return c.flow }
func (c *SimCar) SimBrakes() *SimBrakes    { return c.brakes }
func (c *SimCar) SimFirebox() *SimFirebox  { return c.firebox }
func (c *SimCar) SimCargo() *SimCargo      { return c.cargo }
func (c *SimCar) SimDamage() *SimDamage    { return c.damage }
func (c *SimCar) SimBody() *SimBody        { return c.body }
func (c *SimCar) SimBogie(i int) *SimBogie { return c.bogies[i] }
func (c *SimCar) SimCable(front bool) *SimCable {
	if front {
		return c.cables[0]
	}
	return c.cables[1]
}

// SimCoupler 取前/后车钩
func (c *SimCar) SimCoupler(front bool) *SimCoupler {
	if front {
		return c.couplers[0]
	}
	return c.couplers[1]
}
