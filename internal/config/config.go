package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/duo-chat/pkg/config"
	"github.com/weiawesome/duo-chat/pkg/database"
	"github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/pubsub"
	"github.com/weiawesome/duo-chat/pkg/storage"
)

type Config struct {
	Instance  InstanceConfig
	Server    ServerConfig
	GRPC      GRPCConfig
	WebSocket WebSocketConfig
	Hub       HubConfig
	Presence  PresenceConfig
	Message   MessageConfig
	Auth      AuthConfig
	Database  database.Config
	Redis     RedisConfig
	Cache     CacheConfig
	PubSub    pubsub.Config
	Archive   ArchiveConfig
	Search    SearchConfig
	Log       log.Config
}

type InstanceConfig struct {
	ID string
}

type ServerConfig struct {
	Host string
	Port int
}

type GRPCConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type HubConfig struct {
	QueueSize int    `mapstructure:"queue_size"`
	Overflow  string `mapstructure:"overflow"` // drop_oldest, disconnect
}

type PresenceConfig struct {
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

type MessageConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

type AuthConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type CacheConfig struct {
	Enabled bool
	Prefix  string
	TTL     time.Duration
}

type ArchiveConfig struct {
	Enabled bool
	Prefix  string
	URLTTL  time.Duration  `mapstructure:"url_ttl"`
	Storage storage.Config `mapstructure:"storage"`
}

type SearchConfig struct {
	Enabled   bool
	Addresses []string `mapstructure:"addresses"`
	Index     string   `mapstructure:"index"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

// LoadFrom reads the named yaml file under path, falling back to defaults and
// DUOCHAT_* environment variables.
func LoadFrom(path, name string) (*Config, error) {
	v, err := pkgconfig.Load(path, name, "DUOCHAT")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("instance.id", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.auth_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("hub.queue_size", 256)
	v.SetDefault("hub.overflow", "drop_oldest")
	v.SetDefault("presence.liveness_window", "10s")
	v.SetDefault("presence.sweep_interval", "2s")
	v.SetDefault("message.max_length", 4000)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "duo-chat.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.prefix", "duo-chat")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "duo-chat")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "transcripts")
	v.SetDefault("archive.url_ttl", "15m")
	v.SetDefault("archive.storage.driver", "local")
	v.SetDefault("archive.storage.local.base_path", "./data")
	v.SetDefault("archive.storage.s3.region", "us-east-1")
	v.SetDefault("archive.storage.s3.bucket", "duo-chat")
	v.SetDefault("search.enabled", false)
	v.SetDefault("search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.index", "duo-chat-messages")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "duo-chat")

	// Override from environment
	v.BindEnv("instance.id", "INSTANCE_ID")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("auth.secret", "JWT_SECRET")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("search.addresses", "ES_ADDRESSES")
	v.BindEnv("search.username", "ES_USERNAME")
	v.BindEnv("search.password", "ES_PASSWORD")
	v.BindEnv("archive.storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("archive.storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("archive.storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.AuthTimeout = parseDuration(v, "websocket.auth_timeout", 10*time.Second)
	cfg.Presence.LivenessWindow = parseDuration(v, "presence.liveness_window", 10*time.Second)
	cfg.Presence.SweepInterval = parseDuration(v, "presence.sweep_interval", 2*time.Second)
	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 24*time.Hour)
	cfg.Cache.TTL = parseDuration(v, "cache.ttl", 5*time.Minute)
	cfg.Archive.URLTTL = parseDuration(v, "archive.url_ttl", 15*time.Minute)
	cfg.PubSub.Redis.ReadTimeout = parseDuration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = parseDuration(v, "pubsub.redis.write_timeout", 3*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
