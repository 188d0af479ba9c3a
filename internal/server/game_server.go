package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"railsync/internal/network"
	"railsync/internal/tick"
	"railsync/pkg/core"
)

// Stepper 由调度器驱动的物理世界
type Stepper interface {
	Step(dt float32)
}

// GameServer 主机进程：调度循环、主机管理器与局域网发现
type GameServer struct {
	log     zerolog.Logger
	manager *ServerManager
	sched   *tick.Scheduler
	world   core.World

	addr       string
	beaconAddr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGameServer 创建主机进程。beaconAddr 为空时不应答局域网发现。
func NewGameServer(logger zerolog.Logger, manager *ServerManager, sched *tick.Scheduler, world core.World, addr, beaconAddr string) *GameServer {
	return &GameServer{
		log:        logger,
		manager:    manager,
		sched:      sched,
		world:      world,
		addr:       addr,
		beaconAddr: beaconAddr,
	}
}

// Manager 主机管理器
func (g *GameServer) Manager() *ServerManager { return g.manager }

// Start 同步世界中的车辆，开始监听并启动调度循环
func (g *GameServer) Start(ctx context.Context) error {
	if stepper, ok := g.world.(Stepper); ok {
		dt := float32(tick.Interval.Seconds())
		g.sched.Subscribe(func(uint32) { stepper.Step(dt) })
	}
	if err := g.manager.SpawnWorld(g.world); err != nil {
		return fmt.Errorf("同步车辆失败: %w", err)
	}
	if err := g.manager.Start(g.addr, g.sched); err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	if g.beaconAddr != "" {
		beacon, err := network.ListenBeacon(g.beaconAddr, g.manager.Info())
		if err != nil {
			g.log.Warn().Err(err).Str("addr", g.beaconAddr).Msg("局域网发现不可用")
		} else {
			g.manager.AttachBeacon(beacon)
			g.log.Info().Stringer("addr", beacon.Addr()).Msg("局域网发现已启用")
		}
	}

	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.sched.Run(ctx)
	}()
	return nil
}

// Wait 阻塞到调度循环退出
func (g *GameServer) Wait() {
	g.wg.Wait()
}

// Shutdown 停止调度循环并关闭网络
func (g *GameServer) Shutdown() {
	g.log.Info().Msg("正在关闭主机...")
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.manager.Stop()
	g.log.Info().Msg("主机已关闭")
}
