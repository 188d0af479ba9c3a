package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"railsync/internal/config"
	"railsync/internal/logging"
	"railsync/internal/network"
	"railsync/internal/server"
	"railsync/internal/telemetry"
	"railsync/internal/tick"
	"railsync/pkg/core"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径（JSON/TOML）")
	layout := flag.String("yard", core.DefaultYardLayout, "车场布局")
	seed := flag.Int64("seed", 1, "车场随机种子，客户端必须一致")
	flag.Parse()

	if err := run(*configPath, *layout, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "主机启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, layout string, seed int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.Setup(cfg, "server")
	if err != nil {
		return err
	}
	defer closer.Close()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return err
	}

	world, err := core.NewYard(layout, seed)
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
	manager := server.NewServerManager(logger, transport,
		server.NewSessionIssuer(cfg.Session.JWTSecret, cfg.Session.TTL),
		metrics,
		server.Options{
			Name:                cfg.Server.Name,
			Version:             cfg.Version,
			Password:            cfg.Network.Password,
			MaxPlayers:          cfg.Server.MaxPlayers,
			Address:             cfg.Network.Address,
			AttachThreshold:     cfg.Coupler.AttachThreshold,
			MaxInboundPerSecond: cfg.Network.MaxInboundPerSecond,
		})
	metrics.Track(manager.Network().Name(), manager.Network().Stats())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gameServer := server.NewGameServer(logger, manager, sched, world, cfg.Network.Address, cfg.Server.Beacon)
	if err := gameServer.Start(ctx); err != nil {
		return err
	}

	if cfg.Influx.Enabled {
		reporter := telemetry.NewInfluxReporter(logger.With().Str("component", "influx").Logger(), telemetry.InfluxOptions{
			URL:      cfg.Influx.URL,
			Token:    cfg.Influx.Token,
			Org:      cfg.Influx.Org,
			Bucket:   cfg.Influx.Bucket,
			Interval: cfg.Influx.Interval,
		})
		defer reporter.Close()
		if err := reporter.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("url", cfg.Influx.URL).Msg("InfluxDB 不可达，指标将在恢复后写入")
		}
		reporter.Track(manager.Network().Name(), manager.Network().Stats())
		go reporter.Run(ctx)
	}

	logger.Info().
		Str("addr", cfg.Network.Address).
		Str("transport", cfg.Network.Transport).
		Int("max_players", cfg.Server.MaxPlayers).
		Int("tps", tick.TPS).
		Int("cars", len(world.Cars())).
		Str("session", manager.SessionID()).
		Msg("主机正在运行，按 Ctrl+C 停止")

	// 等待中断信号
	<-ctx.Done()
	gameServer.Shutdown()
	return nil
}
