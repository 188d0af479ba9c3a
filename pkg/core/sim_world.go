package core

// SimWorld 内存世界：车辆集合与步进
type SimWorld struct {
	cars  map[string]*SimCar
	order []string
}

// NewSimWorld 创建空世界
func NewSimWorld() *SimWorld {
	return &SimWorld{cars: make(map[string]*SimCar)}
}

// AddCar 加入车辆，ID 重复时替换
func (w *SimWorld) AddCar(c *SimCar) *SimCar {
	if _, ok := w.cars[c.id]; !ok {
		w.order = append(w.order, c.id)
	}
	c.world = w
	w.cars[c.id] = c
	return c
}

// RemoveCar 移除车辆并解开其车钩与电缆
func (w *SimWorld) RemoveCar(id string) {
	c, ok := w.cars[id]
	if !ok {
		return
	}
	for _, cp := range c.couplers {
		cp.detach()
	}
	for _, cb := range c.cables {
		if cb != nil {
			cb.Disconnect()
		}
	}
	c.world = nil
	delete(w.cars, id)
	for i, o := range w.order {
		if o == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

func (w *SimWorld) Car(id string) (Car, bool) {
	c, ok := w.cars[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// Cars 按加入顺序返回
func (w *SimWorld) Cars() []Car {
	out := make([]Car, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.cars[id])
	}
	return out
}

// SimCar 具体类型查找，不存在时返回 nil
func (w *SimWorld) SimCar(id string) *SimCar {
	return w.cars[id]
}

// Couple 直接连挂两个车钩（场景搭建用）
func (w *SimWorld) Couple(a, b *SimCoupler) {
	a.attach(b)
}

// Step 推进物理：车体运动与火箱燃烧
func (w *SimWorld) Step(dt float32) {
	for _, id := range w.order {
		c := w.cars[id]
		c.body.step(dt)
		if c.firebox != nil {
			c.firebox.Burn(0.01 * dt)
		}
	}
}

func (w *SimWorld) nearestFreeCoupler(self *SimCoupler, at Vec3, within float32) *SimCoupler {
	var best *SimCoupler
	bestDist := within
	for _, id := range w.order {
		c := w.cars[id]
		if c == self.car {
			continue
		}
		for _, cp := range c.couplers {
			if !cp.isFree() {
				continue
			}
			if d := Distance(at, cp.AttachPoint()); d <= bestDist {
				best = cp
				bestDist = d
			}
		}
	}
	return best
}
