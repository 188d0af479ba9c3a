package core

import (
	"fmt"
	"math/rand"
)

// DefaultYardLayout 演示车场：蒸汽机车+煤水车+货车，空格隔开的第二列为重联内燃机车
const DefaultYardLayout = "LTFFBB DDBF"

// YardGap 两列车之间的间距（米）
const YardGap = 30

// 车型：车长与构造参数
type carKind struct {
	prefix string
	length float32
	steam  bool
	mu     bool
	cargo  bool
	flow   func() *SimFlow
}

var yardKinds = map[byte]carKind{
	'L': {prefix: "L", length: 20, steam: true, flow: steamFlow},
	'T': {prefix: "T", length: 9, flow: tenderFlow},
	'D': {prefix: "D", length: 17, mu: true, flow: dieselFlow},
	'F': {prefix: "F", length: 12, cargo: true},
	'B': {prefix: "B", length: 14, cargo: true},
}

func steamFlow() *SimFlow {
	f := NewSimFlow()
	f.AddPort("throttle", PortControl, 0)
	f.AddPort("reverser", PortControl, 0)
	f.AddPort("independent_brake", PortControl, 1)
	f.AddPort("firebox_door", PortExternalInput, 0)
	f.AddPort("boiler_pressure", PortContinuous, 12)
	f.AddPort("water_level", PortContinuous, 0.8)
	return f
}

func tenderFlow() *SimFlow {
	f := NewSimFlow()
	f.AddPort("water", PortContinuous, 1)
	f.AddPort("coal", PortContinuous, 1)
	return f
}

func dieselFlow() *SimFlow {
	f := NewSimFlow()
	f.AddPort("throttle", PortControl, 0)
	f.AddPort("reverser", PortControl, 0)
	f.AddPort("train_brake", PortControl, 0)
	f.AddPort("engine_rpm", PortContinuous, 0)
	f.AddFuse("main", false)
	f.AddFuse("starter", false)
	return f
}

// NewYard 按布局模板生成车场（带种子，用于确定性）。
// 每个字符是一辆车，空格断开车列；同一车列内相邻车辆连挂，
// 相邻的内燃机车接通重联电缆。主机与客户端使用相同的参数得到相同的世界。
func NewYard(layout string, seed int64) (*SimWorld, error) {
	w := NewSimWorld()
	r := rand.New(rand.NewSource(seed))

	var (
		prev     *SimCar
		prevKind carKind
		x        float32
		n        int
	)
	for i := 0; i < len(layout); i++ {
		ch := layout[i]
		if ch == ' ' {
			if prev != nil {
				x += prevKind.length/2 + YardGap
			}
			prev = nil
			continue
		}
		kind, ok := yardKinds[ch]
		if !ok {
			return nil, fmt.Errorf("未知的车型 %q", ch)
		}

		// 挂点重合：两车半长加两段挂点偏移
		switch {
		case prev != nil:
			x += prevKind.length/2 + kind.length/2 + 2*CouplerHookOffset
		case n > 0:
			x += kind.length / 2
		}

		n++
		opts := CarOptions{
			Length:       kind.length,
			Position:     Vec3{X: x},
			Steam:        kind.steam,
			MultipleUnit: kind.mu,
			TrackID:      "yard",
		}
		if kind.flow != nil {
			opts.Flow = kind.flow()
		}
		car := w.AddCar(NewSimCar(fmt.Sprintf("%s-%03d", kind.prefix, n), opts))
		if kind.cargo && r.Intn(2) == 0 {
			car.SimCargo().SetCargo(true, uint8(r.Intn(4)))
		}

		if prev != nil {
			w.Couple(car.SimCoupler(false), prev.SimCoupler(true))
			if kind.mu && prevKind.mu {
				car.SimCable(false).Connect(prev.SimCable(true))
			}
		}
		prev, prevKind = car, kind
	}
	return w, nil
}
