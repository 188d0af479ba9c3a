package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"railsync/internal/network"
	"railsync/internal/tick"
)

// EnvPrefix 环境变量前缀，例如 RAILSYNC_NETWORK_ADDRESS
const EnvPrefix = "RAILSYNC"

var ErrInvalidConfig = errors.New("config: 配置无效")

// NetworkSettings 传输层与模拟网络条件
type NetworkSettings struct {
	Transport           string        `json:"transport" mapstructure:"transport"`
	Address             string        `json:"address" mapstructure:"address"`
	Password            string        `json:"password" mapstructure:"password"`
	DisconnectTimeout   time.Duration `json:"disconnectTimeout" mapstructure:"disconnectTimeout"`
	SendQueueSize       int           `json:"sendQueueSize" mapstructure:"sendQueueSize"`
	MaxInboundPerSecond float64       `json:"maxInboundPerSecond" mapstructure:"maxInboundPerSecond"`

	SimulatePacketLoss bool          `json:"simulatePacketLoss" mapstructure:"simulatePacketLoss"`
	PacketLossChance   int           `json:"packetLossChance" mapstructure:"packetLossChance"`
	SimulateLatency    bool          `json:"simulateLatency" mapstructure:"simulateLatency"`
	MinLatency         time.Duration `json:"minLatency" mapstructure:"minLatency"`
	MaxLatency         time.Duration `json:"maxLatency" mapstructure:"maxLatency"`
}

// TransportOptions 转换为传输层参数
func (n NetworkSettings) TransportOptions() network.Options {
	return network.Options{
		SendQueueSize:     n.SendQueueSize,
		DisconnectTimeout: n.DisconnectTimeout,
		Conditions: network.Conditions{
			SimulatePacketLoss: n.SimulatePacketLoss,
			PacketLossChance:   n.PacketLossChance,
			SimulateLatency:    n.SimulateLatency,
			MinLatency:         n.MinLatency,
			MaxLatency:         n.MaxLatency,
		},
	}
}

type TickSettings struct {
	WatchdogThreshold time.Duration `json:"watchdogThreshold" mapstructure:"watchdogThreshold"`
}

type SessionSettings struct {
	JWTSecret string        `json:"jwtSecret" mapstructure:"jwtSecret"`
	TTL       time.Duration `json:"ttl" mapstructure:"ttl"`
}

type CouplerSettings struct {
	AttachThreshold float32 `json:"attachThreshold" mapstructure:"attachThreshold"`
}

// ServerSettings 主机信息（局域网发现中公布）
type ServerSettings struct {
	Name       string `json:"name" mapstructure:"name"`
	MaxPlayers int    `json:"maxPlayers" mapstructure:"maxPlayers"`
	Beacon     string `json:"beacon" mapstructure:"beacon"`
}

// ClientSettings 客户端身份与发现
type ClientSettings struct {
	Username string `json:"username" mapstructure:"username"`
	Discover string `json:"discover" mapstructure:"discover"`
}

type InfluxSettings struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	URL      string        `json:"url" mapstructure:"url"`
	Token    string        `json:"token" mapstructure:"token"`
	Org      string        `json:"org" mapstructure:"org"`
	Bucket   string        `json:"bucket" mapstructure:"bucket"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

type GraylogSettings struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// Settings 完整配置
type Settings struct {
	LogLevel     string `json:"logLevel" mapstructure:"logLevel"`
	LogFile      string `json:"logFile" mapstructure:"logFile"`
	DebugLogging bool   `json:"debugLogging" mapstructure:"debugLogging"`
	Version      string `json:"version" mapstructure:"version"`

	Network NetworkSettings `json:"network" mapstructure:"network"`
	Tick    TickSettings    `json:"tick" mapstructure:"tick"`
	Session SessionSettings `json:"session" mapstructure:"session"`
	Coupler CouplerSettings `json:"coupler" mapstructure:"coupler"`
	Server  ServerSettings  `json:"server" mapstructure:"server"`
	Client  ClientSettings  `json:"client" mapstructure:"client"`
	Influx  InfluxSettings  `json:"influx" mapstructure:"influx"`
	Graylog GraylogSettings `json:"graylog" mapstructure:"graylog"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFile", "")
	v.SetDefault("debugLogging", false)
	v.SetDefault("version", "1.0")

	v.SetDefault("network.transport", "kcp")
	v.SetDefault("network.address", "127.0.0.1:7777")
	v.SetDefault("network.password", "")
	v.SetDefault("network.disconnectTimeout", network.DefaultDisconnectTimeout)
	v.SetDefault("network.sendQueueSize", network.DefaultSendQueueSize)
	v.SetDefault("network.maxInboundPerSecond", 240)
	v.SetDefault("network.simulatePacketLoss", false)
	v.SetDefault("network.packetLossChance", 0)
	v.SetDefault("network.simulateLatency", false)
	v.SetDefault("network.minLatency", time.Duration(0))
	v.SetDefault("network.maxLatency", time.Duration(0))

	v.SetDefault("tick.watchdogThreshold", tick.DefaultWatchdogThreshold)

	v.SetDefault("session.jwtSecret", "")
	v.SetDefault("session.ttl", 30*time.Minute)

	v.SetDefault("coupler.attachThreshold", 0.1)

	v.SetDefault("server.name", "railsync")
	v.SetDefault("server.maxPlayers", 8)
	v.SetDefault("server.beacon", ":7778")

	v.SetDefault("client.username", "player")
	v.SetDefault("client.discover", "")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "railsync")
	v.SetDefault("influx.bucket", "railsync_network")
	v.SetDefault("influx.interval", 10*time.Second)

	v.SetDefault("graylog.enabled", false)
	v.SetDefault("graylog.address", "localhost:12201")
}

// Load 读取配置：默认值，可选的配置文件（JSON/TOML，按扩展名识别），
// 最后由 RAILSYNC_* 环境变量覆盖。path 为空时只使用默认值与环境变量。
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate 检查取值范围
func (s *Settings) Validate() error {
	switch s.Network.Transport {
	case "kcp", "tcp", "quic":
	default:
		return fmt.Errorf("未知的传输协议 %q: %w", s.Network.Transport, ErrInvalidConfig)
	}
	if s.Network.PacketLossChance < 0 || s.Network.PacketLossChance > 100 {
		return fmt.Errorf("丢包率 %d 超出 0-100: %w", s.Network.PacketLossChance, ErrInvalidConfig)
	}
	if s.Network.MinLatency < 0 || s.Network.MaxLatency < s.Network.MinLatency {
		return fmt.Errorf("延迟范围 %s-%s 无效: %w", s.Network.MinLatency, s.Network.MaxLatency, ErrInvalidConfig)
	}
	if s.Server.MaxPlayers <= 0 {
		return fmt.Errorf("最大玩家数必须为正: %w", ErrInvalidConfig)
	}
	if s.Influx.Enabled && s.Influx.Interval <= 0 {
		return fmt.Errorf("指标上报间隔必须为正: %w", ErrInvalidConfig)
	}
	return nil
}
