package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const (
	QueueVariantMemory = "memory"
	QueueVariantStream = "stream"

	LockBackendRedis = "redis"
	LockBackendEtcd  = "etcd"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	Seckill SeckillConfig `mapstructure:"seckill"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis（库存账本、序列号、Stream队列）
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// 分布式锁使用的Redis节点，为空时使用数据节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	GroupID         string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SeckillConfig 秒杀下单链路相关配置
type SeckillConfig struct {
	QueueVariant      string        `mapstructure:"queue_variant"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	StreamKey         string        `mapstructure:"stream_key"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	ConsumerName      string        `mapstructure:"consumer_name"`
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval"`
	ReclaimMinIdle    time.Duration `mapstructure:"reclaim_min_idle"`
	ReclaimBatch      int64         `mapstructure:"reclaim_batch"`
	MaxDeliveries     int64         `mapstructure:"max_deliveries"`
	LockBackend       string        `mapstructure:"lock_backend"`
	LockLease         time.Duration `mapstructure:"lock_lease"`
	SequenceNamespace string        `mapstructure:"sequence_namespace"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// setDefaults 设置默认配置，配置文件和环境变量可以覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)

	v.SetDefault("kafka.dead_letter_topic", "seckill.order.dlt")
	v.SetDefault("kafka.group_id", "seckill-dlt-monitor")

	v.SetDefault("etcd.dial_timeout", 5*time.Second)

	v.SetDefault("seckill.queue_variant", QueueVariantStream)
	v.SetDefault("seckill.queue_capacity", 1024*1024)
	v.SetDefault("seckill.stream_key", "stream.orders")
	v.SetDefault("seckill.consumer_group", "g1")
	v.SetDefault("seckill.consumer_name", "c1")
	v.SetDefault("seckill.workers", 1)
	v.SetDefault("seckill.batch_size", 1)
	v.SetDefault("seckill.block_timeout", 2*time.Second)
	v.SetDefault("seckill.reclaim_interval", 5*time.Second)
	v.SetDefault("seckill.reclaim_min_idle", 30*time.Second)
	v.SetDefault("seckill.reclaim_batch", 100)
	v.SetDefault("seckill.max_deliveries", 5)
	v.SetDefault("seckill.lock_backend", LockBackendRedis)
	v.SetDefault("seckill.lock_lease", 10*time.Second)
	v.SetDefault("seckill.sequence_namespace", "order")

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.service_name", "littleseckill")
}

// LoadConfig 加载配置文件，环境变量以 SECKILL_ 为前缀覆盖同名配置项
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SECKILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验配置项取值
func (c *Config) Validate() error {
	s := c.Seckill
	switch s.QueueVariant {
	case QueueVariantMemory, QueueVariantStream:
	default:
		return errors.Newf("unknown seckill.queue_variant %q", s.QueueVariant)
	}
	switch s.LockBackend {
	case LockBackendRedis, LockBackendEtcd:
	default:
		return errors.Newf("unknown seckill.lock_backend %q", s.LockBackend)
	}
	if s.Workers <= 0 {
		return errors.New("seckill.workers must be positive")
	}
	if s.LockLease <= 0 {
		return errors.New("seckill.lock_lease must be positive")
	}
	if s.MaxDeliveries <= 0 {
		return errors.New("seckill.max_deliveries must be positive")
	}
	if s.ReclaimBatch <= 0 {
		return errors.New("seckill.reclaim_batch must be positive")
	}
	if s.QueueVariant == QueueVariantMemory && s.QueueCapacity <= 0 {
		return errors.New("seckill.queue_capacity must be positive")
	}
	if s.LockBackend == LockBackendEtcd && len(c.ETCD.Endpoints) == 0 {
		return errors.New("etcd.endpoints required for etcd lock backend")
	}
	return nil
}
