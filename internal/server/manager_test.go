package server

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railsync/internal/network"
	"railsync/pkg/core"
	"railsync/pkg/protocol"
)

type recordingObserver struct {
	joined        []string
	left          []string
	rejected      []string
	writeRejected []uint16
}

func (o *recordingObserver) PlayerJoined(username string) { o.joined = append(o.joined, username) }
func (o *recordingObserver) PlayerLeft(username string)   { o.left = append(o.left, username) }
func (o *recordingObserver) JoinRejected(reason string)   { o.rejected = append(o.rejected, reason) }
func (o *recordingObserver) WriteRejected(entity uint16) {
	o.writeRejected = append(o.writeRejected, entity)
}

// testClient 最小的客户端：连接后发送 join，记录收到的消息
type testClient struct {
	net          *network.Manager
	server       network.PeerID
	join         *protocol.JoinRequest
	msgs         []protocol.Message
	disconnected bool
}

func (c *testClient) OnPeerConnected(peer network.PeerID) {
	if c.join != nil {
		c.net.Send(peer, c.join)
	}
}

func (c *testClient) OnPeerDisconnected(network.PeerID, error) { c.disconnected = true }

func (c *testClient) OnUnconnectedMessage(net.Addr, []byte) {}

func (c *testClient) send(msg protocol.Message) {
	c.net.Send(c.server, msg)
}

func (c *testClient) take() []protocol.Message {
	out := c.msgs
	c.msgs = nil
	return out
}

func record[M protocol.Message](c *testClient) {
	network.Register(c.net.Codec(), func(_ network.PeerID, m M) {
		c.msgs = append(c.msgs, m)
	})
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

type fixture struct {
	t        *testing.T
	memNet   *network.MemoryNetwork
	world    *core.SimWorld
	loco     *core.SimCar
	wagon    *core.SimCar
	server   *ServerManager
	observer *recordingObserver
	tick     uint32
	clients  []*testClient
}

func newFixture(t *testing.T, opts Options, issuer *SessionIssuer) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		memNet:   network.NewMemoryNetwork(),
		world:    core.NewSimWorld(),
		observer: &recordingObserver{},
	}

	flow := core.NewSimFlow()
	flow.AddPort("throttle", core.PortControl, 0)
	flow.AddPort("boiler_pressure", core.PortContinuous, 12)
	f.loco = f.world.AddCar(core.NewSimCar("L-001", core.CarOptions{Length: 20, Flow: flow, Steam: true}))
	f.wagon = f.world.AddCar(core.NewSimCar("W-001", core.CarOptions{Length: 12, Position: core.Vec3{X: 16.8}}))

	f.server = NewServerManager(zerolog.Nop(), f.memNet.NewTransport(), issuer, f.observer, opts)
	require.NoError(t, f.server.SpawnWorld(f.world))
	require.NoError(t, f.server.Start("host", nil))
	t.Cleanup(f.server.Stop)
	return f
}

func (f *fixture) connect(join *protocol.JoinRequest) *testClient {
	f.t.Helper()
	c := &testClient{join: join}
	c.net = network.NewManager(zerolog.Nop(), f.memNet.NewTransport(), c, network.ManagerOptions{})
	record[*protocol.JoinResponse](c)
	record[*protocol.EntitySpawn](c)
	record[*protocol.EntityDespawn](c)
	record[*protocol.PortsDelta](c)
	record[*protocol.HandbrakeChanged](c)
	record[*protocol.BrakeCylinderReleased](c)
	record[*protocol.FireboxState](c)
	record[*protocol.CouplerInteraction](c)

	peer, err := c.net.Connect("host")
	require.NoError(f.t, err)
	c.server = peer
	f.clients = append(f.clients, c)
	f.pump()
	return c
}

func (f *fixture) join(username string) *testClient {
	f.t.Helper()
	c := f.connect(&protocol.JoinRequest{Username: username, Password: "secret", Version: "1.0"})
	resp := ofType[*protocol.JoinResponse](c.msgs)
	require.Len(f.t, resp, 1)
	require.True(f.t, resp[0].Accepted, resp[0].Reason)
	return c
}

// pump 交替轮询主机与客户端，直到消息传递完毕
func (f *fixture) pump() {
	for range 3 {
		f.server.Network().Poll()
		for _, c := range f.clients {
			c.net.Poll()
		}
	}
}

func (f *fixture) step() {
	f.tick++
	f.server.OnTick(f.tick)
	f.pump()
}

func defaultOptions() Options {
	return Options{Name: "test", Version: "1.0", Password: "secret", MaxPlayers: 4}
}

func TestServer_JoinBindsEntitiesThenResyncs(t *testing.T) {
	f := newFixture(t, defaultOptions(), NewSessionIssuer("k", 0))
	c := f.join("alice")

	msgs := c.take()
	resp, ok := msgs[0].(*protocol.JoinResponse)
	require.True(t, ok, "第一条消息必须是加入响应")
	assert.Equal(t, uint32(1), resp.PlayerID)
	assert.Equal(t, f.server.SessionID(), resp.SessionID)
	assert.NotEmpty(t, resp.SessionToken)

	spawns := ofType[*protocol.EntitySpawn](msgs)
	require.Len(t, spawns, 2)
	assert.Equal(t, protocol.EntitySpawn{EntityID: 1, CarID: "L-001"}, *spawns[0])
	assert.Equal(t, protocol.EntitySpawn{EntityID: 2, CarID: "W-001"}, *spawns[1])

	f.step()
	msgs = c.take()
	ports := ofType[*protocol.PortsDelta](msgs)
	require.Len(t, ports, 1)
	assert.Equal(t, uint16(1), ports[0].EntityID)
	assert.Equal(t, []string{"boiler_pressure", "throttle"}, ports[0].PortIDs)
	assert.Equal(t, []float32{12, 0}, ports[0].Values)
	assert.Len(t, ofType[*protocol.HandbrakeChanged](msgs), 2)
	assert.Len(t, ofType[*protocol.FireboxState](msgs), 1)

	require.Len(t, f.server.Players(), 1)
	assert.Equal(t, "alice", f.server.Players()[0].Username)
	assert.Equal(t, []string{"alice"}, f.observer.joined)
	assert.Equal(t, uint32(1), f.server.Info().Players)
}

func TestServer_RejectsJoin(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		req    *protocol.JoinRequest
		reason string
	}{
		{
			name:   "wrong password",
			opts:   defaultOptions(),
			req:    &protocol.JoinRequest{Username: "mallory", Password: "guess", Version: "1.0"},
			reason: "密码错误",
		},
		{
			name:   "version mismatch",
			opts:   defaultOptions(),
			req:    &protocol.JoinRequest{Username: "bob", Password: "secret", Version: "0.9"},
			reason: "版本不匹配",
		},
		{
			name:   "empty username",
			opts:   Options{Version: "1.0"},
			req:    &protocol.JoinRequest{Version: "1.0"},
			reason: "用户名为空",
		},
		{
			name:   "token without issuer",
			opts:   defaultOptions(),
			req:    &protocol.JoinRequest{SessionToken: "abc", Version: "1.0"},
			reason: "不接受会话令牌",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts, nil)
			c := f.connect(tt.req)

			resp := ofType[*protocol.JoinResponse](c.msgs)
			require.Len(t, resp, 1)
			assert.False(t, resp[0].Accepted)
			assert.Contains(t, resp[0].Reason, tt.reason)
			assert.Empty(t, ofType[*protocol.EntitySpawn](c.msgs))
			assert.True(t, c.disconnected)
			assert.Empty(t, f.server.Players())
			assert.Len(t, f.observer.rejected, 1)
		})
	}
}

func TestServer_RejectsWhenFull(t *testing.T) {
	opts := defaultOptions()
	opts.MaxPlayers = 1
	f := newFixture(t, opts, nil)
	f.join("alice")

	c := f.connect(&protocol.JoinRequest{Username: "bob", Password: "secret", Version: "1.0"})
	resp := ofType[*protocol.JoinResponse](c.msgs)
	require.Len(t, resp, 1)
	assert.False(t, resp[0].Accepted)
	assert.Contains(t, resp[0].Reason, "服务器已满")
	assert.Len(t, f.server.Players(), 1)
}

func TestServer_RejoinWithSessionToken(t *testing.T) {
	f := newFixture(t, defaultOptions(), NewSessionIssuer("k", 0))
	first := f.join("alice")
	token := ofType[*protocol.JoinResponse](first.take())[0].SessionToken
	require.NotEmpty(t, token)

	first.net.Disconnect(first.server)
	f.pump()
	require.Empty(t, f.server.Players())
	assert.Equal(t, []string{"alice"}, f.observer.left)

	second := f.connect(&protocol.JoinRequest{SessionToken: token, Version: "1.0"})
	resp := ofType[*protocol.JoinResponse](second.msgs)
	require.Len(t, resp, 1)
	assert.True(t, resp[0].Accepted, resp[0].Reason)
	require.Len(t, f.server.Players(), 1)
	assert.Equal(t, "alice", f.server.Players()[0].Username)

	bad := f.connect(&protocol.JoinRequest{SessionToken: token + "x", Version: "1.0"})
	resp = ofType[*protocol.JoinResponse](bad.msgs)
	require.Len(t, resp, 1)
	assert.False(t, resp[0].Accepted)
}

func TestServer_PortWriteRelayedToOthers(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")
	bob := f.join("bob")
	f.step()
	alice.take()
	bob.take()

	alice.send(&protocol.PlayerState{CarID: "L-001"})
	f.pump()
	alice.send(&protocol.PortsDelta{EntityID: 1, PortIDs: []string{"throttle"}, Values: []float32{0.5}})
	f.pump()

	assert.Equal(t, float32(0.5), f.loco.SimFlow().SimPort("throttle").Value())
	relayed := ofType[*protocol.PortsDelta](bob.take())
	require.Len(t, relayed, 1)
	assert.Equal(t, []float32{0.5}, relayed[0].Values)
	assert.Empty(t, alice.take())

	// 应用远端写入不会在下一 tick 回发
	f.step()
	assert.Empty(t, ofType[*protocol.PortsDelta](alice.take()))
	assert.Empty(t, ofType[*protocol.PortsDelta](bob.take()))
	assert.Empty(t, f.observer.writeRejected)
}

func TestServer_RejectsUnauthorizedPortWrites(t *testing.T) {
	tests := []struct {
		name     string
		position core.Vec3
		port     string
	}{
		{name: "non-control port", port: "boiler_pressure"},
		{name: "too far away", position: core.Vec3{X: 500}, port: "throttle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultOptions(), nil)
			alice := f.join("alice")
			bob := f.join("bob")
			f.step()
			alice.take()
			bob.take()
			before := f.loco.SimFlow().SimPort(tt.port).Value()

			alice.send(&protocol.PlayerState{Position: tt.position})
			f.pump()
			alice.send(&protocol.PortsDelta{EntityID: 1, PortIDs: []string{tt.port}, Values: []float32{99}})
			f.pump()

			assert.Equal(t, before, f.loco.SimFlow().SimPort(tt.port).Value())
			assert.Empty(t, bob.take())
			assert.Equal(t, []uint16{1}, f.observer.writeRejected)

			// 权威值在下一 tick 覆盖客户端
			f.step()
			ports := ofType[*protocol.PortsDelta](alice.take())
			require.Len(t, ports, 1)
			assert.Equal(t, []string{tt.port}, ports[0].PortIDs)
			assert.Equal(t, []float32{before}, ports[0].Values)
		})
	}
}

func TestServer_IgnoresMessagesFromUnjoinedPeers(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	c := f.connect(nil)

	c.send(&protocol.PortsDelta{EntityID: 1, PortIDs: []string{"throttle"}, Values: []float32{1}})
	c.send(&protocol.FireboxIgnite{EntityID: 1})
	f.pump()

	assert.Equal(t, float32(0), f.loco.SimFlow().SimPort("throttle").Value())
	assert.False(t, f.loco.SimFirebox().IsOn())
	assert.Empty(t, c.msgs)
}

func TestServer_FireboxControlAppliedOnHost(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")
	bob := f.join("bob")
	f.step()
	alice.take()
	bob.take()

	alice.send(&protocol.FireboxAddCoal{EntityID: 1, CoalMassDelta: 2})
	alice.send(&protocol.FireboxIgnite{EntityID: 1})
	f.pump()
	assert.Equal(t, float32(2), f.loco.SimFirebox().Contents())
	assert.True(t, f.loco.SimFirebox().IsOn())

	f.step()
	for _, c := range []*testClient{alice, bob} {
		states := ofType[*protocol.FireboxState](c.take())
		require.Len(t, states, 1)
		assert.Equal(t, float32(2), states[0].Contents)
		assert.True(t, states[0].IsOn)
	}
}

func TestServer_HandbrakeRelayed(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")
	bob := f.join("bob")
	f.step()
	alice.take()
	bob.take()

	alice.send(&protocol.HandbrakeChanged{EntityID: 2, Position: 0.7})
	f.pump()

	assert.Equal(t, float32(0.7), f.wagon.SimBrakes().HandbrakePosition())
	relayed := ofType[*protocol.HandbrakeChanged](bob.take())
	require.Len(t, relayed, 1)
	assert.Equal(t, uint16(2), relayed[0].EntityID)

	f.step()
	assert.Empty(t, ofType[*protocol.HandbrakeChanged](alice.take()))
}

func TestServer_CouplerInteractionRelayed(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")
	bob := f.join("bob")
	f.step()
	alice.take()
	bob.take()

	alice.send(&protocol.CouplerInteraction{EntityID: 2, IsFrontCoupler: true, Flags: core.CouplerFlagPark})
	f.pump()
	assert.Equal(t, 1, f.server.Couplers().ActiveJobs())
	relayed := ofType[*protocol.CouplerInteraction](bob.take())
	require.Len(t, relayed, 1)
	assert.Equal(t, core.CouplerFlagPark, relayed[0].Flags)

	for range 10 {
		f.step()
	}
	assert.Equal(t, 0, f.server.Couplers().ActiveJobs())
	assert.Equal(t, core.CouplerParked, f.wagon.SimCoupler(true).State())

	// 无效请求不转发
	alice.send(&protocol.CouplerInteraction{EntityID: 42, Flags: core.CouplerFlagPark})
	f.pump()
	assert.Empty(t, ofType[*protocol.CouplerInteraction](bob.take()))
}

func TestServer_RejectedCouplerInteractionResyncs(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")
	bob := f.join("bob")
	f.step()
	alice.take()
	bob.take()

	// 主机上机车前钩悬垂，不能拉紧
	alice.send(&protocol.CouplerInteraction{EntityID: 1, IsFrontCoupler: true, Flags: core.CouplerFlagTighten})
	f.pump()
	assert.Empty(t, ofType[*protocol.CouplerInteraction](bob.take()))
	assert.Equal(t, core.CouplerDangling, f.loco.SimCoupler(true).State())

	f.step()
	resync := ofType[*protocol.CouplerInteraction](alice.take())
	require.Len(t, resync, 2)
	for _, msg := range resync {
		assert.Equal(t, uint16(1), msg.EntityID)
		assert.Equal(t, core.CouplerFlagDrop, msg.Flags)
	}
	assert.True(t, resync[0].IsFrontCoupler)

	f.step()
	assert.Empty(t, ofType[*protocol.CouplerInteraction](alice.take()))
}

func TestServer_SpawnAndDespawnBroadcast(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")
	alice.take()

	car := f.world.AddCar(core.NewSimCar("W-002", core.CarOptions{Position: core.Vec3{X: 40}}))
	nc, err := f.server.SpawnCar(car)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), nc.NetID())
	f.pump()
	spawns := ofType[*protocol.EntitySpawn](alice.take())
	require.Len(t, spawns, 1)
	assert.Equal(t, "W-002", spawns[0].CarID)

	require.True(t, f.server.DespawnCar("W-002"))
	assert.False(t, f.server.DespawnCar("W-002"))
	f.pump()
	despawns := ofType[*protocol.EntityDespawn](alice.take())
	require.Len(t, despawns, 1)
	assert.Equal(t, uint16(3), despawns[0].EntityID)
}

func TestServer_StopDisconnectsPlayers(t *testing.T) {
	f := newFixture(t, defaultOptions(), nil)
	alice := f.join("alice")

	f.server.Stop()
	alice.net.Poll()

	assert.True(t, alice.disconnected)
	assert.Empty(t, f.server.Players())
	assert.Equal(t, []string{"alice"}, f.observer.left)
	assert.False(t, f.server.Network().IsRunning())
}
