package replication

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

type fakeLink struct {
	sent       []protocol.Message
	processing bool
	fail       bool
}

func (l *fakeLink) Send(m protocol.Message) error {
	if l.fail {
		return errors.New("send queue full")
	}
	l.sent = append(l.sent, m)
	return nil
}

func (l *fakeLink) IsProcessingPacket() bool { return l.processing }

func (l *fakeLink) take() []protocol.Message {
	out := l.sent
	l.sent = nil
	return out
}

func types(msgs []protocol.Message) []protocol.MessageType {
	out := make([]protocol.MessageType, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type())
	}
	return out
}

func ofType[M protocol.Message](msgs []protocol.Message) []M {
	var out []M
	for _, m := range msgs {
		if v, ok := m.(M); ok {
			out = append(out, v)
		}
	}
	return out
}

func locoFlow() *core.SimFlow {
	flow := core.NewSimFlow()
	flow.AddPort("throttle", core.PortControl, 0)
	flow.AddPort("reverser", core.PortControl, 0)
	flow.AddPort("door", core.PortExternalInput, 0)
	flow.AddPort("boiler_pressure", core.PortContinuous, 0)
	flow.AddFuse("main", false)
	return flow
}

func newHostCar(t *testing.T, opts core.CarOptions) (*Registry, *fakeLink, *core.SimCar, *NetworkedCar) {
	t.Helper()
	link := &fakeLink{}
	reg := NewRegistry(zerolog.Nop(), Options{Host: true, Link: link})
	car := core.NewSimCar("L-001", opts)
	nc, err := reg.Spawn(car)
	require.NoError(t, err)
	return reg, link, car, nc
}

func newClientCar(t *testing.T, opts core.CarOptions) (*Registry, *fakeLink, *core.SimCar, *NetworkedCar) {
	t.Helper()
	link := &fakeLink{}
	reg := NewRegistry(zerolog.Nop(), Options{Link: link})
	car := core.NewSimCar("L-001", opts)
	nc, err := reg.Bind(7, car)
	require.NoError(t, err)
	return reg, link, car, nc
}

func TestNetworkedCar_FlushSkipsVanishedIDs(t *testing.T) {
	var buf bytes.Buffer
	link := &fakeLink{}
	reg := NewRegistry(zerolog.New(&buf), Options{Link: link})
	car := core.NewSimCar("L-001", core.CarOptions{Flow: locoFlow()})
	nc, err := reg.Bind(7, car)
	require.NoError(t, err)

	car.SimFlow().SimPort("throttle").SetValue(0.5)
	nc.dirtyPorts["removed_port"] = struct{}{}
	nc.dirtyFuses["removed_fuse"] = struct{}{}

	nc.Flush(1)
	msgs := link.take()
	ports := ofType[*protocol.PortsDelta](msgs)
	require.Len(t, ports, 1)
	assert.Equal(t, []string{"throttle"}, ports[0].PortIDs)
	assert.Empty(t, ofType[*protocol.FusesDelta](msgs))
	assert.Equal(t, 0, nc.DirtyPortCount())

	out := buf.String()
	assert.Contains(t, out, "待发送的端口不存在")
	assert.Contains(t, out, "removed_port")
	assert.Contains(t, out, "待发送的保险丝不存在")
	assert.Contains(t, out, "removed_fuse")
}

func TestNetworkedCar_ClientPortFlush(t *testing.T) {
	_, link, car, nc := newClientCar(t, core.CarOptions{Flow: locoFlow()})

	car.SimFlow().SimPort("throttle").SetValue(0.5)
	car.SimFlow().SimPort("reverser").SetValue(1)
	// 客户端不同步连续量
	car.SimFlow().SimPort("boiler_pressure").SetValue(12)
	assert.Equal(t, 2, nc.DirtyPortCount())

	nc.Flush(1)
	deltas := ofType[*protocol.PortsDelta](link.take())
	require.Len(t, deltas, 1)
	assert.Equal(t, uint16(7), deltas[0].EntityID)
	assert.Equal(t, []string{"reverser", "throttle"}, deltas[0].PortIDs)
	assert.Equal(t, []float32{1, 0.5}, deltas[0].Values)
	assert.Equal(t, 0, nc.DirtyPortCount())

	v, ok := nc.LastSentPortValue("throttle")
	require.True(t, ok)
	assert.Equal(t, float32(0.5), v)
}

func TestNetworkedCar_Hysteresis(t *testing.T) {
	_, link, car, nc := newClientCar(t, core.CarOptions{Flow: locoFlow()})
	throttle := car.SimFlow().SimPort("throttle")

	throttle.SetValue(0.5)
	nc.Flush(1)
	link.take()

	throttle.SetValue(0.5005)
	assert.False(t, nc.IsPortDirty("throttle"))

	throttle.SetValue(0.502)
	assert.True(t, nc.IsPortDirty("throttle"))
}

type nanPort struct{}

func (nanPort) ID() string                    { return "nan" }
func (nanPort) Value() float32                { return float32(math.NaN()) }
func (nanPort) PrevValue() float32            { return float32(math.NaN()) }
func (nanPort) ValueType() core.PortValueType { return core.PortControl }
func (nanPort) SetValue(float32)              {}
func (nanPort) ExternalValueUpdate(float32)   {}

func TestNetworkedCar_NaNToNaNIgnored(t *testing.T) {
	_, _, _, nc := newClientCar(t, core.CarOptions{Flow: locoFlow()})
	nc.onPortUpdated(nanPort{})
	assert.Equal(t, 0, nc.DirtyPortCount())
}

func TestNetworkedCar_SuppressedWhileProcessing(t *testing.T) {
	_, link, car, nc := newClientCar(t, core.CarOptions{Flow: locoFlow()})

	link.processing = true
	car.SimFlow().SimPort("throttle").SetValue(0.8)
	car.SimBrakes().SetHandbrakePosition(1)
	link.processing = false

	nc.Flush(1)
	assert.Empty(t, link.take())
}

func TestNetworkedCar_ApplyPorts(t *testing.T) {
	_, link, car, nc := newClientCar(t, core.CarOptions{Flow: locoFlow()})

	nc.ApplyPorts(&protocol.PortsDelta{
		EntityID: 7,
		PortIDs:  []string{"throttle", "door", "missing"},
		Values:   []float32{0.7, 1, 3},
	})

	flow := car.SimFlow()
	assert.Equal(t, float32(0.7), flow.SimPort("throttle").Value())
	assert.Equal(t, float32(1), flow.SimPort("door").Value())
	assert.Equal(t, 1, flow.SimPort("door").ExternalUpdates())
	assert.Equal(t, 0, flow.SimPort("throttle").ExternalUpdates())
	assert.Equal(t, 0, nc.DirtyPortCount())

	v, _ := nc.LastSentPortValue("throttle")
	assert.Equal(t, float32(0.7), v)

	// 与应用值相同的本地写入不会回发
	flow.SimPort("throttle").SetValue(0.7001)
	assert.False(t, nc.IsPortDirty("throttle"))

	nc.Flush(1)
	assert.Empty(t, link.take())
}

func TestNetworkedCar_FullResyncSpreadsOverTicks(t *testing.T) {
	flow := core.NewSimFlow()
	for i := 0; i < 100; i++ {
		flow.AddPort(fmt.Sprintf("p%03d", i), core.PortContinuous, float32(i))
	}
	_, link, _, nc := newHostCar(t, core.CarOptions{Flow: flow})

	nc.Flush(1)
	first := ofType[*protocol.PortsDelta](link.take())
	require.Len(t, first, 1)
	assert.Len(t, first[0].PortIDs, MaxIDsPerDelta)
	assert.Equal(t, "p000", first[0].PortIDs[0])
	assert.Equal(t, 100-MaxIDsPerDelta, nc.DirtyPortCount())

	nc.Flush(2)
	second := ofType[*protocol.PortsDelta](link.take())
	require.Len(t, second, 1)
	assert.Len(t, second[0].PortIDs, 100-MaxIDsPerDelta)
	assert.Equal(t, 0, nc.DirtyPortCount())
}

func TestNetworkedCar_SendFailureRedirties(t *testing.T) {
	_, link, car, nc := newClientCar(t, core.CarOptions{Flow: locoFlow()})

	car.SimFlow().SimPort("throttle").SetValue(0.4)
	car.SimBrakes().SetHandbrakePosition(0.5)

	link.fail = true
	nc.Flush(1)
	assert.True(t, nc.IsPortDirty("throttle"))

	link.fail = false
	nc.Flush(2)
	assert.Equal(t,
		[]protocol.MessageType{protocol.MessageTypeHandbrakeChanged, protocol.MessageTypePortsDelta},
		types(link.take()))
}

func TestNetworkedCar_HostFlushOrder(t *testing.T) {
	_, link, car, nc := newHostCar(t, core.CarOptions{Flow: locoFlow(), Steam: true, MultipleUnit: true, TrackID: "T1"})

	nc.Flush(1)
	assert.Equal(t, []protocol.MessageType{
		protocol.MessageTypeHandbrakeChanged,
		protocol.MessageTypeFusesDelta,
		protocol.MessageTypePortsDelta,
		protocol.MessageTypeBrakePressures,
		protocol.MessageTypeFireboxState,
		protocol.MessageTypeCableConnected,
		protocol.MessageTypeCableConnected,
		protocol.MessageTypeHealthUpdate,
		protocol.MessageTypePhysicsUpdate,
	}, types(link.take()))

	// 静止车辆不再发送物理
	nc.Flush(2)
	assert.Empty(t, link.take())

	car.SimBody().ApplySpeed(5)
	nc.Flush(3)
	phys := ofType[*protocol.PhysicsUpdate](link.take())
	require.Len(t, phys, 1)
	assert.Equal(t, protocol.PhysicsSpeed, phys[0].Flags)
	assert.Equal(t, float32(5), phys[0].Speed)
	assert.Equal(t, "T1", phys[0].Bogies[0].TrackID)
}

func TestNetworkedCar_BogieTrackChangeForcesPositionCorrection(t *testing.T) {
	_, link, car, nc := newHostCar(t, core.CarOptions{TrackID: "T1"})
	nc.Flush(1)
	link.take()

	car.SimBody().ApplySpeed(2)
	car.SimBogie(0).Apply(core.BogieData{TrackID: "T2"})
	nc.Flush(2)

	phys := ofType[*protocol.PhysicsUpdate](link.take())
	require.Len(t, phys, 1)
	assert.True(t, phys[0].Flags.Has(protocol.PhysicsPosition))
	assert.True(t, phys[0].Flags.Has(protocol.PhysicsSpeed))

	nc.Flush(3)
	phys = ofType[*protocol.PhysicsUpdate](link.take())
	require.Len(t, phys, 1)
	assert.False(t, phys[0].Flags.Has(protocol.PhysicsPosition))
}

func TestNetworkedCar_DerailedSendsRigidbody(t *testing.T) {
	_, link, car, nc := newHostCar(t, core.CarOptions{})
	nc.Flush(1)
	link.take()

	car.SimBody().ApplySpeed(3)
	car.SimBody().Derail()
	nc.Flush(2)

	phys := ofType[*protocol.PhysicsUpdate](link.take())
	require.Len(t, phys, 1)
	assert.Equal(t, protocol.PhysicsRigidBody, phys[0].Flags)
	assert.Equal(t, float32(3), phys[0].Rigidbody.Velocity.X)
}

func TestNetworkedCar_CargoResyncSkipsEmptyCar(t *testing.T) {
	_, link, car, nc := newHostCar(t, core.CarOptions{})
	nc.Flush(1)
	assert.Empty(t, ofType[*protocol.CargoState](link.take()))

	car.SimCargo().SetCargo(true, 3)
	nc.Flush(2)
	cargo := ofType[*protocol.CargoState](link.take())
	require.Len(t, cargo, 1)
	assert.True(t, cargo[0].IsLoading)
	assert.Equal(t, uint8(3), cargo[0].ModelIndex)

	car.SimCargo().SetCargo(false, 0)
	nc.Flush(3)
	cargo = ofType[*protocol.CargoState](link.take())
	require.Len(t, cargo, 1)
	assert.False(t, cargo[0].IsLoading)
	assert.Equal(t, core.NoCargoModel, cargo[0].ModelIndex)
}

func TestNetworkedCar_ValidateClientPorts(t *testing.T) {
	_, _, car, nc := newHostCar(t, core.CarOptions{Flow: locoFlow(), Length: 10})
	nc.Flush(1)

	control := &protocol.PortsDelta{PortIDs: []string{"throttle"}, Values: []float32{1}}

	t.Run("occupant", func(t *testing.T) {
		ok := nc.ValidateClientPorts(Requester{Username: "a", CarID: car.ID(), Position: core.Vec3{X: 100}}, control)
		assert.True(t, ok)
	})

	t.Run("nearby within car length", func(t *testing.T) {
		ok := nc.ValidateClientPorts(Requester{Username: "b", Position: core.Vec3{X: 6, Z: 8}}, control)
		assert.True(t, ok)
	})

	t.Run("too far", func(t *testing.T) {
		ok := nc.ValidateClientPorts(Requester{Username: "c", Position: core.Vec3{X: 20}}, control)
		assert.False(t, ok)
		assert.True(t, nc.IsPortDirty("throttle"))
	})

	t.Run("non-control port", func(t *testing.T) {
		nc.Flush(2)
		msg := &protocol.PortsDelta{PortIDs: []string{"throttle", "boiler_pressure"}, Values: []float32{1, 2}}
		ok := nc.ValidateClientPorts(Requester{Username: "d", CarID: car.ID()}, msg)
		assert.False(t, ok)
		assert.True(t, nc.IsPortDirty("throttle"))
		assert.True(t, nc.IsPortDirty("boiler_pressure"))
	})
}

func TestNetworkedCar_FireboxControlEvents(t *testing.T) {
	_, clientLink, clientCar, _ := newClientCar(t, core.CarOptions{Steam: true})

	clientCar.SimFirebox().AddCoal(2)
	clientCar.SimFirebox().AddCoal(-1)
	clientCar.SimFirebox().Ignite()
	msgs := clientLink.take()
	require.Equal(t, []protocol.MessageType{protocol.MessageTypeFireboxAddCoal, protocol.MessageTypeFireboxIgnite}, types(msgs))
	assert.Equal(t, float32(2), msgs[0].(*protocol.FireboxAddCoal).CoalMassDelta)

	_, hostLink, hostCar, host := newHostCar(t, core.CarOptions{Steam: true})
	host.Flush(1)
	hostLink.take()

	hostLink.processing = true
	host.ApplyAddCoal(&protocol.FireboxAddCoal{EntityID: 1, CoalMassDelta: 2})
	host.ApplyIgnite()
	hostLink.processing = false

	assert.Equal(t, float32(2), hostCar.SimFirebox().Contents())
	assert.True(t, hostCar.SimFirebox().IsOn())

	host.Flush(2)
	states := ofType[*protocol.FireboxState](hostLink.take())
	require.Len(t, states, 1)
	assert.Equal(t, float32(2), states[0].Contents)
	assert.True(t, states[0].IsOn)
}

func TestNetworkedCar_BrakeCylinderReleasedSentImmediately(t *testing.T) {
	_, link, car, _ := newClientCar(t, core.CarOptions{})
	car.SimBrakes().ReleaseBrakeCylinder()
	assert.Equal(t, []protocol.MessageType{protocol.MessageTypeBrakeCylinderReleased}, types(link.take()))
}

func TestNetworkedCar_ClientAppliesHostState(t *testing.T) {
	_, link, car, nc := newClientCar(t, core.CarOptions{Flow: locoFlow(), Steam: true})

	nc.ApplyFuses(&protocol.FusesDelta{FuseIDs: []string{"main", "unknown"}, States: []bool{true, true}})
	nc.ApplyHandbrake(&protocol.HandbrakeChanged{Position: 0.3})
	nc.ApplyBrakePressures(&protocol.BrakePressures{BrakePressures: core.BrakePressures{MainReservoir: 8, BrakePipe: 5}})
	nc.ApplyFireboxState(&protocol.FireboxState{Contents: 4, IsOn: true})
	nc.ApplyCargo(&protocol.CargoState{IsLoading: true, ModelIndex: 2})
	nc.ApplyHealth(&protocol.HealthUpdate{Health: 0.5})

	assert.True(t, car.SimFlow().SimFuse("main").State())
	assert.Equal(t, float32(0.3), car.SimBrakes().HandbrakePosition())
	assert.Equal(t, float32(8), car.SimBrakes().Pressures().MainReservoir)
	assert.Equal(t, float32(4), car.SimFirebox().Contents())
	assert.Equal(t, uint8(2), car.SimCargo().ModelIndex())
	assert.Equal(t, float32(0.5), car.SimDamage().Health())

	nc.Flush(1)
	assert.Empty(t, link.take())
}
