package replication

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

var (
	ErrIDInUse        = errors.New("replication: 网络 ID 已被占用")
	ErrCarBound       = errors.New("replication: 车辆已绑定网络 ID")
	ErrIDsExhausted   = errors.New("replication: 网络 ID 已耗尽")
	ErrInvalidID      = errors.New("replication: 无效的网络 ID")
	ErrNotHost        = errors.New("replication: 只有主机可以分配网络 ID")
	ErrUnknownEntity  = errors.New("replication: 未知实体")
	ErrInvalidRequest = errors.New("replication: 无效的车钩请求")
)

// Options 同步参数
type Options struct {
	// Host 是否为权威端
	Host bool
	Link Link
	// MaxIDsPerDelta 每实体每 tick 的端口/保险丝上限，0 使用默认值
	MaxIDsPerDelta int
}

// Listener 实体增删通知
type Listener interface {
	EntityAdded(c *NetworkedCar)
	EntityRemoved(c *NetworkedCar)
}

// Registry 网络 ID 到同步状态的映射，附带按车辆 ID 的二级索引。
// 只有主机分配 ID；存活实体的 ID 不会被复用。
type Registry struct {
	log  zerolog.Logger
	opts Options

	cars   map[uint16]*NetworkedCar
	order  []uint16
	byCar  map[string]uint16
	nextID uint16

	listeners []Listener
}

// NewRegistry 创建实体表
func NewRegistry(logger zerolog.Logger, opts Options) *Registry {
	return &Registry{
		log:   logger,
		opts:  opts,
		cars:  make(map[uint16]*NetworkedCar),
		byCar: make(map[string]uint16),
	}
}

// IsHost 是否为权威端
func (r *Registry) IsHost() bool { return r.opts.Host }

// AddListener 注册增删通知
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Spawn 主机为车辆分配网络 ID 并开始同步，新实体立即全量标脏
func (r *Registry) Spawn(car core.Car) (*NetworkedCar, error) {
	if !r.opts.Host {
		return nil, ErrNotHost
	}
	if _, ok := r.byCar[car.ID()]; ok {
		return nil, fmt.Errorf("%s: %w", car.ID(), ErrCarBound)
	}
	id, err := r.allocate()
	if err != nil {
		return nil, err
	}
	c := r.insert(id, car)
	c.DirtyAll()
	return c, nil
}

// Bind 客户端把主机分配的网络 ID 绑定到本地车辆
func (r *Registry) Bind(id uint16, car core.Car) (*NetworkedCar, error) {
	if id == core.NoNetID {
		return nil, ErrInvalidID
	}
	if _, ok := r.cars[id]; ok {
		return nil, fmt.Errorf("%d: %w", id, ErrIDInUse)
	}
	if _, ok := r.byCar[car.ID()]; ok {
		return nil, fmt.Errorf("%s: %w", car.ID(), ErrCarBound)
	}
	return r.insert(id, car), nil
}

func (r *Registry) allocate() (uint16, error) {
	for range 1 << 16 {
		r.nextID++
		if r.nextID == core.NoNetID {
			continue
		}
		if _, live := r.cars[r.nextID]; !live {
			return r.nextID, nil
		}
	}
	return core.NoNetID, ErrIDsExhausted
}

func (r *Registry) insert(id uint16, car core.Car) *NetworkedCar {
	identity := core.NetworkIdentity{ID: id, Authority: core.AuthorityServer}
	c := newNetworkedCar(r.log, r, identity, car)
	r.cars[id] = c
	r.order = append(r.order, id)
	r.byCar[car.ID()] = id
	r.log.Debug().Str("car", car.ID()).Uint16("net_id", id).Msg("实体已注册")

	for _, l := range r.listeners {
		l.EntityAdded(c)
	}
	return c
}

// Get 按网络 ID 查找
func (r *Registry) Get(id uint16) (*NetworkedCar, bool) {
	c, ok := r.cars[id]
	return c, ok
}

// ByCar 按车辆 ID 查找
func (r *Registry) ByCar(carID string) (*NetworkedCar, bool) {
	id, ok := r.byCar[carID]
	if !ok {
		return nil, false
	}
	return r.cars[id], true
}

// NetIDOf 车辆的网络 ID，未绑定返回 0
func (r *Registry) NetIDOf(carID string) uint16 {
	return r.byCar[carID]
}

// Remove 销毁实体：取消所有观察者并通知监听者
func (r *Registry) Remove(id uint16) bool {
	c, ok := r.cars[id]
	if !ok {
		return false
	}
	c.Close()
	delete(r.cars, id)
	delete(r.byCar, c.car.ID())
	for i, x := range r.order {
		if x == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for _, l := range r.listeners {
		l.EntityRemoved(c)
	}
	return true
}

// Clear 移除所有实体（客户端断线时）
func (r *Registry) Clear() {
	for _, id := range append([]uint16(nil), r.order...) {
		r.Remove(id)
	}
	r.nextID = 0
}

// All 按注册顺序返回
func (r *Registry) All() []*NetworkedCar {
	out := make([]*NetworkedCar, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.cars[id])
	}
	return out
}

// Len 实体数量
func (r *Registry) Len() int { return len(r.cars) }

// DirtyAll 全量重同步（新客户端加入）
func (r *Registry) DirtyAll() {
	for _, id := range r.order {
		r.cars[id].DirtyAll()
	}
}

// Flush 发送所有实体的脏状态
func (r *Registry) Flush(tick uint32) {
	for _, id := range r.order {
		r.cars[id].Flush(tick)
	}
}

// ApplyCable 应用重联电缆连接状态
func (r *Registry) ApplyCable(msg *protocol.CableConnected) error {
	c, ok := r.cars[msg.EntityID]
	if !ok {
		return fmt.Errorf("电缆 %d: %w", msg.EntityID, ErrUnknownEntity)
	}
	cable := cableOf(c.car, msg.IsFront)
	if cable == nil {
		return nil
	}

	if msg.OtherEntityID == core.NoNetID {
		c.apply(cable.Disconnect)
		return nil
	}
	other, ok := r.cars[msg.OtherEntityID]
	if !ok {
		return fmt.Errorf("电缆对端 %d: %w", msg.OtherEntityID, ErrUnknownEntity)
	}
	otherCable := cableOf(other.car, msg.OtherIsFront)
	if otherCable == nil {
		return nil
	}
	c.apply(func() { cable.Connect(otherCable) })
	return nil
}

func cableOf(car core.Car, front bool) core.Cable {
	cables := car.Cables()
	if front {
		return cables[0]
	}
	return cables[1]
}
