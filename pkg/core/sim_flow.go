package core

import "math"

// SimPort 内存端口实现
type SimPort struct {
	id        string
	value     float32
	prev      float32
	valueType PortValueType

	externalUpdates int
	changed         signal[Port]
}

func (p *SimPort) ID() string               { return p.id }
func (p *SimPort) Value() float32           { return p.value }
func (p *SimPort) PrevValue() float32       { return p.prev }
func (p *SimPort) ValueType() PortValueType { return p.valueType }

// ExternalUpdates 通过外部输入入口写入的次数
func (p *SimPort) ExternalUpdates() int { return p.externalUpdates }

// Observers 当前订阅数
func (p *SimPort) Observers() int { return p.changed.count() }

// SetValue 内部写入，值变化时通知观察者
func (p *SimPort) SetValue(v float32) {
	p.write(v)
}

// ExternalValueUpdate 外部输入写入
func (p *SimPort) ExternalValueUpdate(v float32) {
	p.externalUpdates++
	p.write(v)
}

func (p *SimPort) write(v float32) {
	if v == p.value || (isNaN32(v) && isNaN32(p.value)) {
		return
	}
	p.prev = p.value
	p.value = v
	p.changed.emit(p)
}

func isNaN32(v float32) bool {
	return math.IsNaN(float64(v))
}

// SimFuse 内存保险丝实现
type SimFuse struct {
	id      string
	state   bool
	changed signal[Fuse]
}

func (f *SimFuse) ID() string  { return f.id }
func (f *SimFuse) State() bool { return f.state }

func (f *SimFuse) ChangeState(on bool) {
	if f.state == on {
		return
	}
	f.state = on
	f.changed.emit(f)
}

// SimFlow 内存仿真图，端口/保险丝按添加顺序排列
type SimFlow struct {
	ports     map[string]*SimPort
	portOrder []string
	fuses     map[string]*SimFuse
	fuseOrder []string
}

// NewSimFlow 创建空仿真图
func NewSimFlow() *SimFlow {
	return &SimFlow{
		ports: make(map[string]*SimPort),
		fuses: make(map[string]*SimFuse),
	}
}

// AddPort 添加端口
func (f *SimFlow) AddPort(id string, valueType PortValueType, initial float32) *SimPort {
	p := &SimPort{id: id, value: initial, prev: initial, valueType: valueType}
	if _, exists := f.ports[id]; !exists {
		f.portOrder = append(f.portOrder, id)
	}
	f.ports[id] = p
	return p
}

// AddFuse 添加保险丝
func (f *SimFlow) AddFuse(id string, state bool) *SimFuse {
	fuse := &SimFuse{id: id, state: state}
	if _, exists := f.fuses[id]; !exists {
		f.fuseOrder = append(f.fuseOrder, id)
	}
	f.fuses[id] = fuse
	return fuse
}

func (f *SimFlow) PortIDs() []string {
	return append([]string(nil), f.portOrder...)
}

func (f *SimFlow) FuseIDs() []string {
	return append([]string(nil), f.fuseOrder...)
}

func (f *SimFlow) Port(id string) (Port, bool) {
	p, ok := f.ports[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (f *SimFlow) Fuse(id string) (Fuse, bool) {
	fuse, ok := f.fuses[id]
	if !ok {
		return nil, false
	}
	return fuse, true
}

// SimPort 取具体端口（测试用）
func (f *SimFlow) SimPort(id string) *SimPort {
	return f.ports[id]
}

// SimFuse 取具体保险丝（测试用）
func (f *SimFlow) SimFuse(id string) *SimFuse {
	return f.fuses[id]
}

func (f *SimFlow) ObservePort(id string, fn func(Port)) func() {
	p, ok := f.ports[id]
	if !ok {
		return func() {}
	}
	return p.changed.subscribe(fn)
}

func (f *SimFlow) ObserveFuse(id string, fn func(Fuse)) func() {
	fuse, ok := f.fuses[id]
	if !ok {
		return func() {}
	}
	return fuse.changed.subscribe(fn)
}
