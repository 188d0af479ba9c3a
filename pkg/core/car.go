package core

// BrakePressures 制动系统压力快照
type BrakePressures struct {
	MainReservoir   float32
	IndependentPipe float32
	BrakePipe       float32
	BrakeCylinder   float32
}

// BrakeSystem 制动系统
type BrakeSystem interface {
	HasHandbrake() bool
	HandbrakePosition() float32
	SetHandbrakePosition(p float32)
	ReleaseBrakeCylinder()
	Pressures() BrakePressures
	SetPressures(p BrakePressures)

	OnHandbrakeChanged(fn func(position float32)) (unsubscribe func())
	OnBrakeCylinderReleased(fn func()) (unsubscribe func())
	OnMainReservoirChanged(fn func(pressure float32)) (unsubscribe func())
}

// Firebox 蒸汽机车火箱
type Firebox interface {
	Contents() float32
	IsOn() bool
	SetState(contents float32, on bool)
	AddCoal(delta float32)
	Ignite()

	OnStateChanged(fn func()) (unsubscribe func())
	// 玩家交互：加煤 / 点火
	OnCoalAdded(fn func(delta float32)) (unsubscribe func())
	OnIgnited(fn func()) (unsubscribe func())
}

// Cargo 货物
type Cargo interface {
	IsLoaded() bool
	ModelIndex() uint8
	SetCargo(loaded bool, modelIndex uint8)

	OnLoaded(fn func()) (unsubscribe func())
	OnUnloaded(fn func()) (unsubscribe func())
}

// Damage 车辆损伤
type Damage interface {
	Health() float32
	SetHealth(h float32)
	OnHealthChanged(fn func(health float32)) (unsubscribe func())
}

// BogieData 转向架状态
type BogieData struct {
	TrackID            string
	PositionAlongTrack float64
	Derailed           bool
}

// LerpBogie 转向架插值：同一轨道上插值位置，换轨时取较近的一端
func LerpBogie(a, b BogieData, t float32) BogieData {
	if a.TrackID != b.TrackID || a.Derailed != b.Derailed {
		if t < 0.5 {
			return a
		}
		return b
	}
	return BogieData{
		TrackID:            b.TrackID,
		PositionAlongTrack: a.PositionAlongTrack + (b.PositionAlongTrack-a.PositionAlongTrack)*float64(t),
		Derailed:           b.Derailed,
	}
}

// Bogie 转向架
type Bogie interface {
	Data() BogieData
	Apply(d BogieData)
	OnTrackChanged(fn func()) (unsubscribe func())
}

// RigidbodySnapshot 刚体快照（脱轨后使用）
type RigidbodySnapshot struct {
	Position        Vec3
	Rotation        Quat
	Velocity        Vec3
	AngularVelocity Vec3
}

// LerpRigidbody 刚体快照插值
func LerpRigidbody(a, b RigidbodySnapshot, t float32) RigidbodySnapshot {
	return RigidbodySnapshot{
		Position:        LerpVec3(a.Position, b.Position, t),
		Rotation:        SlerpQuat(a.Rotation, b.Rotation, t),
		Velocity:        LerpVec3(a.Velocity, b.Velocity, t),
		AngularVelocity: LerpVec3(a.AngularVelocity, b.AngularVelocity, t),
	}
}

// Body 车体（位姿与速度）
type Body interface {
	Pose() (Vec3, Quat)
	Speed() float32
	IsDerailed() bool
	Rigidbody() RigidbodySnapshot

	Teleport(pos Vec3, rot Quat)
	ApplySpeed(speed float32)
	ApplyRigidbody(s RigidbodySnapshot)
}

// Car 车辆能力接口，仿真对象由外部持有
type Car interface {
	ID() string
	Length() float32
	Position() Vec3

	// Flow 无仿真图的车辆（普通货车）返回 nil
	Flow() SimulationFlow
	Brakes() BrakeSystem
	// Firebox 非蒸汽机车返回 nil
	Firebox() Firebox
	Cargo() Cargo
	Damage() Damage
	Body() Body
	Bogies() [2]Bogie
	// Couplers 前、后车钩
	Couplers() [2]Coupler
	// Cables 前、后重联电缆，无重联模块时为 nil
	Cables() [2]Cable
}

// CouplerOf 取前/后车钩
func CouplerOf(c Car, front bool) Coupler {
	cs := c.Couplers()
	if front {
		return cs[0]
	}
	return cs[1]
}

// World 车辆查找
type World interface {
	Car(id string) (Car, bool)
	Cars() []Car
}
