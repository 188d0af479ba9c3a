package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*SimWorld, *SimCar, *SimCar) {
	t.Helper()
	w := NewSimWorld()
	a := w.AddCar(NewSimCar("A", CarOptions{Length: 10}))
	// B 的后挂点与 A 的前挂点重合
	b := w.AddCar(NewSimCar("B", CarOptions{Length: 10, Position: Vec3{X: 10 + 2*CouplerHookOffset}}))
	require.InDelta(t, 0, Distance(a.SimCoupler(true).AttachPoint(), b.SimCoupler(false).AttachPoint()), 1e-5)
	return w, a, b
}

func dragUntil(c *SimCoupler, target Vec3, done func() bool, budget int) int {
	c.Pickup()
	n := 0
	for ; n < budget; n++ {
		if done() {
			break
		}
		c.MoveAnchorToward(target)
	}
	c.Release()
	return n
}

func TestSimPort_NotifiesOnlyOnChange(t *testing.T) {
	flow := NewSimFlow()
	p := flow.AddPort("throttle", PortControl, 0)

	var calls int
	unsub := flow.ObservePort("throttle", func(Port) { calls++ })

	p.SetValue(0)
	assert.Equal(t, 0, calls)

	p.SetValue(0.5)
	assert.Equal(t, 1, calls)
	assert.Equal(t, float32(0), p.PrevValue())

	p.ExternalValueUpdate(0.7)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, p.ExternalUpdates())

	unsub()
	p.SetValue(1)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, p.Observers())
}

func TestSimPort_NaNToNaNIsSilent(t *testing.T) {
	flow := NewSimFlow()
	nan := float32(math.NaN())
	p := flow.AddPort("p", PortContinuous, nan)

	var calls int
	flow.ObservePort("p", func(Port) { calls++ })
	p.SetValue(nan)
	assert.Equal(t, 0, calls)
}

func TestSimFlow_UnknownIDObserverIsNoop(t *testing.T) {
	flow := NewSimFlow()
	unsub := flow.ObservePort("missing", func(Port) { t.Fatal("unexpected callback") })
	unsub()

	_, ok := flow.Port("missing")
	assert.False(t, ok)
	assert.Empty(t, flow.PortIDs())
}

func TestSimCar_AbsentSubsystemsAreNilInterfaces(t *testing.T) {
	c := NewSimCar("wagon", CarOptions{})
	assert.Nil(t, c.Flow())
	assert.Nil(t, c.Firebox())
	assert.Nil(t, c.Cables()[0])
	assert.Equal(t, float32(DefaultCarLength), c.Length())
	assert.Equal(t, NoCargoModel, c.Cargo().ModelIndex())
}

func TestSimFirebox_AddCoalAndIgnite(t *testing.T) {
	c := NewSimCar("loco", CarOptions{Steam: true})
	fb := c.SimFirebox()

	var added float32
	var ignited, changed int
	fb.OnCoalAdded(func(d float32) { added += d })
	fb.OnIgnited(func() { ignited++ })
	fb.OnStateChanged(func() { changed++ })

	fb.AddCoal(2)
	fb.Ignite()

	assert.Equal(t, float32(2), added)
	assert.Equal(t, 1, ignited)
	assert.Equal(t, 2, changed)
	assert.True(t, fb.IsOn())

	fb.Burn(5)
	assert.False(t, fb.IsOn())
	assert.Equal(t, float32(0), fb.Contents())
}

func TestSimCoupler_DragToPartnerCouples(t *testing.T) {
	_, a, b := newPair(t)
	ca, cb := a.SimCoupler(true), b.SimCoupler(false)

	var transitions []CouplerState
	ca.OnStateChanged(func(_, next CouplerState) { transitions = append(transitions, next) })

	target := cb.AttachPoint()
	n := dragUntil(ca, target, func() bool { return Distance(ca.AnchorPosition(), target) < 0.1 }, 10)

	assert.Less(t, n, 10)
	assert.Equal(t, CouplerAttachedLoose, ca.State())
	assert.Equal(t, CouplerAttachedLoose, cb.State())
	assert.Same(t, cb, ca.Partner())
	assert.Equal(t, []CouplerState{CouplerBeingDragged, CouplerAttachedLoose}, transitions)
}

func TestSimCoupler_ParkAndDrop(t *testing.T) {
	_, a, _ := newPair(t)
	c := a.SimCoupler(true)

	parked := c.ParkedAnchor()
	dragUntil(c, parked, func() bool { return Distance(c.AnchorPosition(), parked) < 0.1 }, 10)
	require.Equal(t, CouplerParked, c.State())

	dragUntil(c, c.DangleAnchor(), func() bool { return Distance(c.AnchorPosition(), parked) > 0.1 }, 10)
	assert.Equal(t, CouplerDangling, c.State())
}

func TestSimCoupler_PickupUncouplesPartner(t *testing.T) {
	w, a, b := newPair(t)
	ca, cb := a.SimCoupler(true), b.SimCoupler(false)
	w.Couple(ca, cb)

	ca.Pickup()
	assert.Equal(t, CouplerBeingDragged, ca.State())
	assert.Equal(t, CouplerDangling, cb.State())
	assert.Nil(t, cb.CoupledTo())
}

func TestSimCoupler_TriggerTightnessTogglesBothSides(t *testing.T) {
	w, a, b := newPair(t)
	ca, cb := a.SimCoupler(true), b.SimCoupler(false)
	w.Couple(ca, cb)

	ca.TriggerTightness()
	assert.Equal(t, CouplerAttachedTight, ca.State())
	assert.Equal(t, CouplerAttachedTight, cb.State())

	cb.TriggerTightness()
	assert.Equal(t, CouplerAttachedLoose, ca.State())
	assert.Equal(t, CouplerAttachedLoose, cb.State())
}

func TestSimWorld_RemoveCarDetaches(t *testing.T) {
	w, a, b := newPair(t)
	w.Couple(a.SimCoupler(true), b.SimCoupler(false))

	w.RemoveCar("A")
	_, ok := w.Car("A")
	assert.False(t, ok)
	assert.Len(t, w.Cars(), 1)
	assert.Equal(t, CouplerDangling, b.SimCoupler(false).State())
}

func TestCouplerInteractionFlags_String(t *testing.T) {
	assert.Equal(t, "none", CouplerFlagNone.String())
	assert.Equal(t, "couple|tighten", (CouplerFlagCouple | CouplerFlagTighten).String())
}

func TestLerpBogie_TrackChangeSnaps(t *testing.T) {
	a := BogieData{TrackID: "t1", PositionAlongTrack: 10}
	b := BogieData{TrackID: "t1", PositionAlongTrack: 20}
	assert.InDelta(t, 15, LerpBogie(a, b, 0.5).PositionAlongTrack, 1e-9)

	c := BogieData{TrackID: "t2", PositionAlongTrack: 1}
	assert.Equal(t, a, LerpBogie(a, c, 0.2))
	assert.Equal(t, c, LerpBogie(a, c, 0.8))
}
