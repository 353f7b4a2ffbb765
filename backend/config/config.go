package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port     int    `mapstructure:"port"`
		LogLevel string `mapstructure:"logLevel"`
		// NodeID 为空时启动时随机生成
		NodeID          string        `mapstructure:"nodeId"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"running"`
	Storage struct {
		// Driver: mysql / postgres / sqlite
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		// Memory 为 true 时快照只保存在进程内（开发用）
		Memory bool `mapstructure:"memory"`
		// RowsDSN 行存储（gorm）的连接串，为空时与 DSN 相同
		RowsDSN string `mapstructure:"rowsDsn"`
	} `mapstructure:"storage"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		Presence bool     `mapstructure:"presence"`
		Relay    bool     `mapstructure:"relay"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
		// Path 工作区成员服务地址，为空时不做成员校验
		Path     string        `mapstructure:"path"`
		Timeout  time.Duration `mapstructure:"timeout"`
		AllowTTL time.Duration `mapstructure:"allowTtl"`
		DenyTTL  time.Duration `mapstructure:"denyTtl"`
	} `mapstructure:"auth"`
	Collab struct {
		FlushInterval        time.Duration `mapstructure:"flushInterval"`
		FlushTimeout         time.Duration `mapstructure:"flushTimeout"`
		FinalFlushTimeout    time.Duration `mapstructure:"finalFlushTimeout"`
		HydrateTimeout       time.Duration `mapstructure:"hydrateTimeout"`
		IdleGrace            time.Duration `mapstructure:"idleGrace"`
		RetryMaxInterval     time.Duration `mapstructure:"retryMaxInterval"`
		SendQueueSize        int           `mapstructure:"sendQueueSize"`
		PresenceTTL          time.Duration `mapstructure:"presenceTtl"`
		MaxConcurrentFlushes int           `mapstructure:"maxConcurrentFlushes"`
		RowWriteTimeout      time.Duration `mapstructure:"rowWriteTimeout"`
		AllowedOrigins       []string      `mapstructure:"allowedOrigins"`
		PingPeriod           time.Duration `mapstructure:"pingPeriod"`
		PongWait             time.Duration `mapstructure:"pongWait"`
	} `mapstructure:"collab"`
}

// setDefaults 每个键都需要注册，AutomaticEnv 才会在 Unmarshal 时生效
func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.nodeId", "")
	v.SetDefault("running.logLevel", "info")
	v.SetDefault("running.shutdownTimeout", "20s")

	v.SetDefault("storage.driver", "mysql")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.memory", false)
	v.SetDefault("storage.rowsDsn", "")

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence", false)
	v.SetDefault("redis.relay", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab-room-events")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.timeout", "1200ms")
	v.SetDefault("auth.allowTtl", "5m")
	v.SetDefault("auth.denyTtl", "30s")

	v.SetDefault("collab.flushInterval", "2s")
	v.SetDefault("collab.flushTimeout", "5s")
	v.SetDefault("collab.finalFlushTimeout", "10s")
	v.SetDefault("collab.hydrateTimeout", "10s")
	v.SetDefault("collab.idleGrace", "0s")
	v.SetDefault("collab.retryMaxInterval", "30s")
	v.SetDefault("collab.sendQueueSize", 256)
	v.SetDefault("collab.presenceTtl", "60s")
	v.SetDefault("collab.maxConcurrentFlushes", 16)
	v.SetDefault("collab.rowWriteTimeout", "5s")
	v.SetDefault("collab.allowedOrigins", []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"})
	v.SetDefault("collab.pingPeriod", "50s")
	v.SetDefault("collab.pongWait", "60s")
}

// Load 读取 syncConfig.yaml，环境变量 SYNC_<SECTION>_<KEY> 覆盖文件中的值。
// 找不到配置文件时只使用默认值和环境变量
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported storage driver %q", c.Storage.Driver)
	}
	if !c.Storage.Memory && c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn is required unless storage.memory is set")
	}
	if (c.Redis.Presence || c.Redis.Relay) && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("config: redis.addrs is required when presence or relay is enabled")
	}
	if c.Running.Port <= 0 {
		return fmt.Errorf("config: invalid port %d", c.Running.Port)
	}
	return nil
}
