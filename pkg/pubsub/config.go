package pubsub

import (
	"fmt"
	"time"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// Config holds the configuration for the pub/sub system.
type Config struct {
	Enabled bool        `mapstructure:"enabled"`
	Driver  string      `mapstructure:"driver"` // "redis", "kafka", "memory"
	Redis   RedisConfig `mapstructure:"redis"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NewPubSub creates a new PubSub instance based on the configuration.
// Every instance must consume every event, so Kafka consumers join a group
// named after instanceID.
func NewPubSub(cfg Config, instanceID string) (PubSub, error) {
	switch cfg.Driver {
	case "kafka":
		kc := cfg.Kafka
		if instanceID != "" {
			kc.GroupID = fmt.Sprintf("%s-%s", kc.GroupID, instanceID)
		}
		return NewKafkaPubSub(kc)
	case "memory":
		return NewMemoryPubSub(), nil
	case "redis", "":
		return NewRedisPubSub(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown pubsub driver: %s", cfg.Driver)
	}
}
