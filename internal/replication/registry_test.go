package replication

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

func TestRegistry_HostAllocatesUniqueIDs(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), Options{Host: true, Link: &fakeLink{}})

	a, err := reg.Spawn(core.NewSimCar("A", core.CarOptions{}))
	require.NoError(t, err)
	b, err := reg.Spawn(core.NewSimCar("B", core.CarOptions{}))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), a.NetID())
	assert.Equal(t, uint16(2), b.NetID())
	assert.True(t, a.Identity().Valid())

	_, err = reg.Spawn(core.NewSimCar("A", core.CarOptions{}))
	assert.ErrorIs(t, err, ErrCarBound)

	// 回绕后跳过 0 与仍存活的 ID
	reg.nextID = 0xFFFF
	c, err := reg.Spawn(core.NewSimCar("C", core.CarOptions{}))
	require.NoError(t, err)
	assert.Equal(t, uint16(3), c.NetID())
}

func TestRegistry_ClientBind(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), Options{Link: &fakeLink{}})

	_, err := reg.Spawn(core.NewSimCar("A", core.CarOptions{}))
	assert.ErrorIs(t, err, ErrNotHost)

	_, err = reg.Bind(core.NoNetID, core.NewSimCar("A", core.CarOptions{}))
	assert.ErrorIs(t, err, ErrInvalidID)

	nc, err := reg.Bind(5, core.NewSimCar("A", core.CarOptions{}))
	require.NoError(t, err)
	_, err = reg.Bind(5, core.NewSimCar("B", core.CarOptions{}))
	assert.ErrorIs(t, err, ErrIDInUse)

	got, ok := reg.ByCar("A")
	require.True(t, ok)
	assert.Same(t, nc, got)
	assert.Equal(t, uint16(5), reg.NetIDOf("A"))
	assert.Equal(t, core.NoNetID, reg.NetIDOf("missing"))
}

func TestRegistry_RemoveCancelsObservers(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), Options{Host: true, Link: &fakeLink{}})
	car := core.NewSimCar("A", core.CarOptions{Flow: locoFlow()})

	nc, err := reg.Spawn(car)
	require.NoError(t, err)
	assert.Equal(t, 1, car.SimFlow().SimPort("throttle").Observers())

	require.True(t, reg.Remove(nc.NetID()))
	assert.False(t, reg.Remove(nc.NetID()))
	assert.Equal(t, 0, car.SimFlow().SimPort("throttle").Observers())
	_, ok := reg.ByCar("A")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_ClearResetsAllocation(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), Options{Host: true, Link: &fakeLink{}})
	for _, id := range []string{"A", "B", "C"} {
		_, err := reg.Spawn(core.NewSimCar(id, core.CarOptions{}))
		require.NoError(t, err)
	}
	reg.Clear()
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.All())

	nc, err := reg.Spawn(core.NewSimCar("D", core.CarOptions{}))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), nc.NetID())
}

func TestRegistry_ApplyCable(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), Options{Link: &fakeLink{}})
	a := core.NewSimCar("A", core.CarOptions{MultipleUnit: true})
	b := core.NewSimCar("B", core.CarOptions{MultipleUnit: true})
	_, err := reg.Bind(1, a)
	require.NoError(t, err)
	_, err = reg.Bind(2, b)
	require.NoError(t, err)

	require.NoError(t, reg.ApplyCable(&protocol.CableConnected{EntityID: 1, IsFront: true, OtherEntityID: 2, OtherIsFront: false}))
	assert.Same(t, b.SimCable(false), a.SimCable(true).ConnectedTo())

	require.NoError(t, reg.ApplyCable(&protocol.CableConnected{EntityID: 1, IsFront: true}))
	assert.Nil(t, a.SimCable(true).ConnectedTo())
	assert.Nil(t, b.SimCable(false).ConnectedTo())

	err = reg.ApplyCable(&protocol.CableConnected{EntityID: 1, IsFront: true, OtherEntityID: 9})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestRegistry_HostSendsConnectedCables(t *testing.T) {
	link := &fakeLink{}
	reg := NewRegistry(zerolog.Nop(), Options{Host: true, Link: link})
	a := core.NewSimCar("A", core.CarOptions{MultipleUnit: true})
	b := core.NewSimCar("B", core.CarOptions{MultipleUnit: true})
	a.SimCable(true).Connect(b.SimCable(false))
	_, err := reg.Spawn(a)
	require.NoError(t, err)
	_, err = reg.Spawn(b)
	require.NoError(t, err)

	reg.Flush(1)
	cables := ofType[*protocol.CableConnected](link.take())
	require.Len(t, cables, 4)
	assert.Equal(t, protocol.CableConnected{EntityID: 1, IsFront: true, OtherEntityID: 2, OtherIsFront: false}, *cables[0])
	assert.Equal(t, protocol.CableConnected{EntityID: 1, IsFront: false}, *cables[1])
}

func TestRegistry_HostResendsCablesOnChange(t *testing.T) {
	link := &fakeLink{}
	reg := NewRegistry(zerolog.Nop(), Options{Host: true, Link: link})
	a := core.NewSimCar("A", core.CarOptions{MultipleUnit: true})
	b := core.NewSimCar("B", core.CarOptions{MultipleUnit: true})
	_, err := reg.Spawn(a)
	require.NoError(t, err)
	_, err = reg.Spawn(b)
	require.NoError(t, err)
	reg.Flush(1)
	link.take()

	reg.Flush(2)
	assert.Empty(t, ofType[*protocol.CableConnected](link.take()))

	a.SimCable(true).Connect(b.SimCable(false))
	reg.Flush(3)
	cables := ofType[*protocol.CableConnected](link.take())
	require.Len(t, cables, 4)
	assert.Equal(t, protocol.CableConnected{EntityID: 1, IsFront: true, OtherEntityID: 2, OtherIsFront: false}, *cables[0])
	assert.Equal(t, protocol.CableConnected{EntityID: 2, IsFront: false, OtherEntityID: 1, OtherIsFront: true}, *cables[3])

	b.SimCable(false).Disconnect()
	reg.Flush(4)
	cables = ofType[*protocol.CableConnected](link.take())
	require.Len(t, cables, 4)
	assert.Equal(t, protocol.CableConnected{EntityID: 1, IsFront: true}, *cables[0])
}

func TestRegistry_ClientCableChangesNotEchoed(t *testing.T) {
	link := &fakeLink{}
	reg := NewRegistry(zerolog.Nop(), Options{Link: link})
	a := core.NewSimCar("A", core.CarOptions{MultipleUnit: true})
	b := core.NewSimCar("B", core.CarOptions{MultipleUnit: true})
	_, err := reg.Bind(1, a)
	require.NoError(t, err)
	_, err = reg.Bind(2, b)
	require.NoError(t, err)

	require.NoError(t, reg.ApplyCable(&protocol.CableConnected{EntityID: 1, IsFront: true, OtherEntityID: 2, OtherIsFront: false}))
	reg.Flush(1)
	assert.Empty(t, ofType[*protocol.CableConnected](link.take()))
}
