package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"railsync/internal/client"
	"railsync/internal/config"
	"railsync/internal/logging"
	"railsync/internal/network"
	"railsync/internal/telemetry"
	"railsync/internal/tick"
	"railsync/pkg/core"
)

// statusInterval 状态日志间隔（tick）
const statusInterval = 5 * tick.TPS

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径（JSON/TOML）")
	layout := flag.String("yard", core.DefaultYardLayout, "车场布局，必须与主机一致")
	seed := flag.Int64("seed", 1, "车场随机种子，必须与主机一致")
	carID := flag.String("car", "L-001", "玩家所在车辆")
	throttle := flag.Float64("throttle", -1, "加入后把所在车辆的油门设为该值（负数不操作）")
	flag.Parse()

	if err := run(*configPath, *layout, *seed, *carID, float32(*throttle)); err != nil {
		fmt.Fprintf(os.Stderr, "客户端启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, layout string, seed int64, carID string, throttle float32) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.Setup(cfg, "client")
	if err != nil {
		return err
	}
	defer closer.Close()

	world, err := core.NewYard(layout, seed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := cfg.Network.Address
	if cfg.Client.Discover != "" {
		if found := discover(ctx, logger, cfg.Client.Discover); found != "" {
			addr = found
		}
	}

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return err
	}
	transport, err := network.NewTransport(cfg.Network.Transport, cfg.Network.TransportOptions())
	if err != nil {
		return err
	}
	sched := tick.NewScheduler(logger.With().Str("component", "tick").Logger(), tick.Options{
		WatchdogThreshold: cfg.Tick.WatchdogThreshold,
		Observer:          metrics,
	})
	manager := client.NewClientManager(logger, transport, world, client.Options{
		Username:        cfg.Client.Username,
		Password:        cfg.Network.Password,
		Version:         cfg.Version,
		AttachThreshold: cfg.Coupler.AttachThreshold,
	})
	metrics.Track(manager.Network().Name(), manager.Network().Stats())

	if car := world.SimCar(carID); car != nil {
		manager.SetPlayerState(car.Position(), carID)
	}

	if err := manager.Connect(addr, sched); err != nil {
		return err
	}
	defer manager.Stop()

	driven := false
	sched.Subscribe(func(t uint32) {
		if !manager.IsJoined() {
			if err := manager.JoinError(); err != nil {
				logger.Error().Err(err).Msg("加入被拒绝")
				stop()
			}
			return
		}
		if !driven && throttle >= 0 {
			driven = true
			if car := world.SimCar(carID); car != nil && car.SimFlow() != nil {
				if port := car.SimFlow().SimPort("throttle"); port != nil {
					port.SetValue(throttle)
					logger.Info().Str("car", carID).Float32("throttle", throttle).Msg("已设置油门")
				}
			}
		}
		if t%statusInterval == 0 {
			logger.Info().
				Uint32("player", manager.PlayerID()).
				Int("entities", manager.Registry().Len()).
				Float64("host_tick", manager.EstimatedHostTick()).
				Msg("同步中")
		}
	})

	logger.Info().Str("addr", addr).Str("transport", cfg.Network.Transport).Msg("正在连接主机...")
	sched.Run(ctx)
	logger.Info().Msg("客户端已退出")
	return nil
}

func discover(ctx context.Context, logger zerolog.Logger, target string) string {
	probe, err := network.NewProbe()
	if err != nil {
		logger.Warn().Err(err).Msg("无法创建发现探针")
		return ""
	}
	defer probe.Close()

	servers, err := client.Discover(ctx, probe, target, client.DefaultDiscoveryWait)
	if err != nil {
		logger.Warn().Err(err).Msg("局域网发现失败")
	}
	for _, s := range servers {
		logger.Info().
			Str("name", s.Name).
			Str("addr", s.Address).
			Uint32("players", s.Players).
			Uint32("max_players", s.MaxPlayers).
			Msg("发现主机")
	}
	if len(servers) == 0 {
		return ""
	}
	return servers[0].Address
}
