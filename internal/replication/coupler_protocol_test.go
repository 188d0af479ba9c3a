package replication

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

// side 一端的世界：两辆长 10m 的车，A 前钩与 B 后钩的挂点重合
type side struct {
	world    *core.SimWorld
	link     *fakeLink
	registry *Registry
	couplers *CouplerProtocol
	a, b     *core.SimCar
}

func newSide(t *testing.T, host bool) *side {
	t.Helper()
	s := &side{world: core.NewSimWorld(), link: &fakeLink{}}
	s.a = s.world.AddCar(core.NewSimCar("A", core.CarOptions{Length: 10}))
	s.b = s.world.AddCar(core.NewSimCar("B", core.CarOptions{Length: 10, Position: core.Vec3{X: 10.8}}))

	s.registry = NewRegistry(zerolog.Nop(), Options{Host: host, Link: s.link})
	s.couplers = NewCouplerProtocol(zerolog.Nop(), s.registry, DefaultAttachThreshold)
	if host {
		_, err := s.registry.Spawn(s.a)
		require.NoError(t, err)
		_, err = s.registry.Spawn(s.b)
		require.NoError(t, err)
	} else {
		_, err := s.registry.Bind(1, s.a)
		require.NoError(t, err)
		_, err = s.registry.Bind(2, s.b)
		require.NoError(t, err)
	}
	return s
}

func (s *side) interactions() []*protocol.CouplerInteraction {
	return ofType[*protocol.CouplerInteraction](s.link.take())
}

// dragToCouple 模拟玩家把 A 前钩拖到 B 后钩上
func (s *side) dragToCouple() {
	cp := s.a.SimCoupler(true)
	cp.Pickup()
	for i := 0; i < 5; i++ {
		cp.MoveAnchorToward(s.b.SimCoupler(false).AttachPoint())
	}
	cp.Release()
}

func runJobs(p *CouplerProtocol) int {
	ticks := 0
	for p.ActiveJobs() > 0 && ticks < MaxIterations+1 {
		p.Step()
		ticks++
	}
	return ticks
}

func TestCouplerProtocol_LocalCoupleEmitsOnce(t *testing.T) {
	s := newSide(t, false)

	s.dragToCouple()
	require.Equal(t, core.CouplerAttachedLoose, s.a.SimCoupler(true).State())

	msgs := s.interactions()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint16(1), msgs[0].EntityID)
	assert.True(t, msgs[0].IsFrontCoupler)
	assert.Equal(t, core.CouplerFlagCouple, msgs[0].Flags)
	assert.Equal(t, uint16(2), msgs[0].OtherEntityID)
	assert.False(t, msgs[0].IsFrontOtherCoupler)
	assert.False(t, s.couplers.IsPending(s.a.SimCoupler(true)))
}

func TestCouplerProtocol_RemoteCoupleConverges(t *testing.T) {
	sender := newSide(t, false)
	receiver := newSide(t, true)

	sender.dragToCouple()
	msgs := sender.interactions()
	require.Len(t, msgs, 1)

	receiver.link.processing = true
	require.NoError(t, receiver.couplers.Apply(msgs[0]))
	receiver.link.processing = false
	assert.Equal(t, core.CouplerBeingDragged, receiver.a.SimCoupler(true).State())

	ticks := runJobs(receiver.couplers)
	assert.LessOrEqual(t, ticks, MaxIterations)

	front := receiver.a.SimCoupler(true)
	assert.Equal(t, core.CouplerAttachedLoose, front.State())
	assert.Same(t, receiver.b.SimCoupler(false), front.Partner())
	// 收敛过程中的状态变化不会回发
	assert.Empty(t, receiver.interactions())
}

func TestCouplerProtocol_TightenEmittedByOneSide(t *testing.T) {
	sender := newSide(t, false)
	receiver := newSide(t, false)
	sender.world.Couple(sender.a.SimCoupler(true), sender.b.SimCoupler(false))
	receiver.world.Couple(receiver.a.SimCoupler(true), receiver.b.SimCoupler(false))
	sender.link.take()

	sender.b.SimCoupler(false).TriggerTightness()
	msgs := sender.interactions()
	require.Len(t, msgs, 1)
	assert.Equal(t, core.CouplerFlagTighten, msgs[0].Flags)
	assert.Equal(t, uint16(1), msgs[0].EntityID)

	require.NoError(t, receiver.couplers.Apply(msgs[0]))
	assert.Equal(t, core.CouplerAttachedTight, receiver.a.SimCoupler(true).State())
	assert.Equal(t, core.CouplerAttachedTight, receiver.b.SimCoupler(false).State())
	assert.Empty(t, receiver.interactions())
}

func TestCouplerProtocol_InvalidRequestsChangeNothing(t *testing.T) {
	s := newSide(t, true)
	s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))

	err := s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagLoosen})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, core.CouplerAttachedLoose, s.a.SimCoupler(true).State())

	s.a.SimCoupler(true).TriggerTightness()
	s.link.take()

	for _, flags := range []core.CouplerInteractionFlags{core.CouplerFlagPark, core.CouplerFlagDrop, core.CouplerFlagTighten} {
		err := s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: flags})
		assert.ErrorIs(t, err, ErrInvalidRequest, flags.String())
	}
	assert.Equal(t, core.CouplerAttachedTight, s.a.SimCoupler(true).State())
	assert.Equal(t, 0, s.couplers.ActiveJobs())
	assert.Empty(t, s.link.take())

	err = s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, Flags: core.CouplerFlagCouple, OtherEntityID: 99})
	assert.ErrorIs(t, err, ErrUnknownEntity)
	err = s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 42, Flags: core.CouplerFlagPark})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestCouplerProtocol_ParkAndDrop(t *testing.T) {
	s := newSide(t, true)
	front := s.a.SimCoupler(true)

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagPark}))
	runJobs(s.couplers)
	assert.Equal(t, core.CouplerParked, front.State())

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagDrop}))
	ticks := runJobs(s.couplers)
	assert.Equal(t, 1, ticks)
	assert.Equal(t, core.CouplerDangling, front.State())
	assert.Empty(t, s.link.take())
}

func TestCouplerProtocol_DropFromAttachedDoesNotRecouple(t *testing.T) {
	s := newSide(t, true)
	s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagDrop}))
	assert.Equal(t, core.CouplerDangling, s.b.SimCoupler(false).State())
	runJobs(s.couplers)

	assert.Equal(t, core.CouplerDangling, s.a.SimCoupler(true).State())
	assert.Nil(t, s.a.SimCoupler(true).Partner())
}

func TestCouplerProtocol_NewJobReplacesOld(t *testing.T) {
	s := newSide(t, true)

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagPark}))
	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{
		EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagCouple, OtherEntityID: 2,
	}))
	assert.Equal(t, 1, s.couplers.ActiveJobs())

	runJobs(s.couplers)
	assert.Equal(t, core.CouplerAttachedLoose, s.a.SimCoupler(true).State())
}

func TestCouplerProtocol_CoupleWithTightenResync(t *testing.T) {
	s := newSide(t, false)

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{
		EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagCouple | core.CouplerFlagTighten, OtherEntityID: 2,
	}))
	runJobs(s.couplers)
	assert.Equal(t, core.CouplerAttachedTight, s.a.SimCoupler(true).State())

	// 已经连挂到同一车钩时重复的连挂请求不会解钩
	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{
		EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagCouple | core.CouplerFlagTighten, OtherEntityID: 2,
	}))
	assert.Equal(t, 0, s.couplers.ActiveJobs())
	assert.Equal(t, core.CouplerAttachedTight, s.a.SimCoupler(true).State())
	assert.Empty(t, s.link.take())
}

func TestCouplerProtocol_RemoveEntityDropsJobs(t *testing.T) {
	s := newSide(t, true)

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagPark}))
	require.Equal(t, 1, s.couplers.ActiveJobs())

	require.True(t, s.registry.Remove(1))
	assert.Equal(t, 0, s.couplers.ActiveJobs())

	// 已取消订阅：本地拖动不会再发送
	cp := s.a.SimCoupler(false)
	cp.Pickup()
	cp.Release()
	assert.Empty(t, s.link.take())
}

func TestCouplerProtocol_HostResyncSendsCouplers(t *testing.T) {
	s := newSide(t, true)
	s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))
	s.a.SimCoupler(true).TriggerTightness()
	parked := s.b.SimCoupler(true)
	parked.Pickup()
	for i := 0; i < 5; i++ {
		parked.MoveAnchorToward(parked.ParkedAnchor())
	}
	parked.Release()
	require.Equal(t, core.CouplerParked, parked.State())
	s.link.take()

	s.registry.DirtyAll()
	s.registry.Flush(1)

	msgs := s.interactions()
	require.Len(t, msgs, 3)
	assert.Equal(t, uint16(1), msgs[0].EntityID)
	assert.Equal(t, core.CouplerFlagCouple|core.CouplerFlagTighten, msgs[0].Flags)
	assert.Equal(t, uint16(2), msgs[0].OtherEntityID)
	assert.Equal(t, uint16(1), msgs[1].EntityID)
	assert.False(t, msgs[1].IsFrontCoupler)
	assert.Equal(t, core.CouplerFlagDrop, msgs[1].Flags)
	assert.Equal(t, uint16(2), msgs[2].EntityID)
	assert.True(t, msgs[2].IsFrontCoupler)
	assert.Equal(t, core.CouplerFlagPark, msgs[2].Flags)
}

// park 模拟玩家把车钩挂到停放位
func park(cp *core.SimCoupler) {
	cp.Pickup()
	for i := 0; i < 5; i++ {
		cp.MoveAnchorToward(cp.ParkedAnchor())
	}
	cp.Release()
}

func (s *side) couplerStates() []core.CouplerState {
	return []core.CouplerState{
		s.a.SimCoupler(true).State(),
		s.a.SimCoupler(false).State(),
		s.b.SimCoupler(true).State(),
		s.b.SimCoupler(false).State(),
	}
}

func TestCouplerProtocol_ResyncConvergesClient(t *testing.T) {
	tests := []struct {
		name   string
		host   func(s *side)
		client func(s *side)
	}{
		{
			name: "主机松弛而客户端拉紧",
			host: func(s *side) {
				s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))
			},
			client: func(s *side) {
				s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))
				s.a.SimCoupler(true).TriggerTightness()
			},
		},
		{
			name: "主机拉紧而客户端松弛",
			host: func(s *side) {
				s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))
				s.a.SimCoupler(true).TriggerTightness()
			},
			client: func(s *side) {
				s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false))
			},
		},
		{
			name:   "主机悬垂而客户端已连挂",
			host:   func(s *side) {},
			client: func(s *side) { s.world.Couple(s.a.SimCoupler(true), s.b.SimCoupler(false)) },
		},
		{
			name:   "主机悬垂而客户端已停放",
			host:   func(s *side) {},
			client: func(s *side) { park(s.b.SimCoupler(true)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newSide(t, true)
			client := newSide(t, false)
			tt.host(host)
			tt.client(client)
			host.link.take()
			client.link.take()
			require.NotEqual(t, host.couplerStates(), client.couplerStates())

			host.registry.DirtyAll()
			host.registry.Flush(1)
			msgs := host.interactions()
			require.NotEmpty(t, msgs)

			client.link.processing = true
			for _, msg := range msgs {
				require.NoError(t, client.couplers.Apply(msg))
			}
			client.link.processing = false
			runJobs(client.couplers)

			assert.Equal(t, host.couplerStates(), client.couplerStates())
			assert.Empty(t, client.interactions())
		})
	}
}

func TestCouplerProtocol_IterationBudget(t *testing.T) {
	s := newSide(t, true)
	s.b.SimBody().Teleport(core.Vec3{X: 100}, core.IdentityQuat)

	require.NoError(t, s.couplers.Apply(&protocol.CouplerInteraction{
		EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagCouple, OtherEntityID: 2,
	}))
	ticks := runJobs(s.couplers)

	assert.Equal(t, MaxIterations, ticks)
	assert.Equal(t, core.CouplerDangling, s.a.SimCoupler(true).State())
}
