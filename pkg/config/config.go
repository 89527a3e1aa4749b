package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// ServiceSecret 业务后端调用 REST 派发接口的签名密钥，必须与 jwt_secret 不同
	ServiceSecret string `mapstructure:"service_secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// GRPCConfig gRPC服务配置
type GRPCConfig struct {
	Network string `mapstructure:"network"`
	Addr    string `mapstructure:"addr"`
	Timeout string `mapstructure:"timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// MongoDBConfig MongoDB配置，仅用于连接会话日志
type MongoDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URI     string `mapstructure:"uri"`
	DBName  string `mapstructure:"db_name"`
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	DSN    string `mapstructure:"dsn"`
	DBName string `mapstructure:"db_name"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	DispatchTopic string   `mapstructure:"dispatch_topic"`
	PresenceTopic string   `mapstructure:"presence_topic"`
}

// NATSConfig NATS配置
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	InstanceID        string        `mapstructure:"instance_id"`
	Path              string        `mapstructure:"path"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	InboundBuffer     int           `mapstructure:"inbound_buffer"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	PresenceBackend   string        `mapstructure:"presence_backend"` // memory, redis, nats
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig 加载配置：默认值 < config.yaml < 环境变量
func LoadConfig(serviceName string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	// GATEWAY_HEARTBEAT_INTERVAL -> gateway.heartbeat_interval
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, serviceName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "secret")
	v.SetDefault("app.service_secret", "service-secret")

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":21005")
	v.SetDefault("server.http.timeout", "30s")
	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":22005")
	v.SetDefault("server.grpc.timeout", "30s")

	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=discord_clone port=5432 sslmode=disable")
	v.SetDefault("database.postgresql.db_name", "discord_clone")
	v.SetDefault("database.mongodb.enabled", false)
	v.SetDefault("database.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb.db_name", "gateway")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", serviceName+"-group")
	v.SetDefault("kafka.dispatch_topic", "gateway.dispatch")
	v.SetDefault("kafka.presence_topic", "gateway.presence")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "gateway.presence")

	v.SetDefault("gateway.instance_id", "")
	v.SetDefault("gateway.path", "/gateway")
	v.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	v.SetDefault("gateway.handshake_timeout", 10*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.store_timeout", 5*time.Second)
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.inbound_buffer", 256)
	v.SetDefault("gateway.max_message_size", 64*1024)
	v.SetDefault("gateway.presence_backend", "memory")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("logger.level", "info")
}

// validate 校验关键配置
func (c *Config) validate() error {
	if c.App.ServiceSecret == "" || c.App.ServiceSecret == c.App.JWTSecret {
		return fmt.Errorf("app.service_secret must be set and differ from app.jwt_secret")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval must be positive, got %s", c.Gateway.HeartbeatInterval)
	}
	if c.Gateway.HandshakeTimeout <= 0 {
		return fmt.Errorf("gateway.handshake_timeout must be positive, got %s", c.Gateway.HandshakeTimeout)
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be positive, got %d", c.Gateway.SendBuffer)
	}
	switch c.Gateway.PresenceBackend {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown gateway.presence_backend %q", c.Gateway.PresenceBackend)
	}
	return nil
}
