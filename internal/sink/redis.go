package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures the Redis list sink.
type RedisConfig struct {
	Enabled bool `yaml:"enabled"`
	// Addr is the Redis host:port.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Key is the list records are appended to. Defaults to "requestlog".
	Key string `yaml:"key"`
	// MaxLen trims the list to its newest MaxLen entries after each
	// delivery. Zero keeps everything.
	MaxLen int64 `yaml:"max_len"`
	// TTL expires the list when set.
	TTL time.Duration `yaml:"ttl"`
}

// Validate checks the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}

	if c.MaxLen < 0 {
		return errors.New("max_len must not be negative")
	}

	return nil
}

// Redis appends every record as JSON to a Redis list using one pipeline
// per bucket.
type Redis struct {
	log    logrus.FieldLogger
	cfg    RedisConfig
	client *redis.Client
}

var _ Lifecycle = (*Redis)(nil)

// NewRedis creates a Redis sink with its own client.
func NewRedis(log logrus.FieldLogger, cfg RedisConfig) *Redis {
	return NewRedisWithClient(log, cfg, redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewRedisWithClient creates a Redis sink on an existing client.
func NewRedisWithClient(log logrus.FieldLogger, cfg RedisConfig, client *redis.Client) *Redis {
	if cfg.Key == "" {
		cfg.Key = "requestlog"
	}

	return &Redis{
		log:    log.WithField("sink", "redis"),
		cfg:    cfg,
		client: client,
	}
}

func (s *Redis) Name() string { return "redis" }

func (s *Redis) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	s.log.WithField("key", s.cfg.Key).Info("Redis sink started")

	return nil
}

func (s *Redis) Stop() error {
	return s.client.Close()
}

func (s *Redis) Deliver(ctx context.Context, bucket time.Time, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	bucketStart := bucket.UTC().Format(time.RFC3339Nano)
	values := make([]any, 0, len(records))

	for _, rec := range records {
		entry := make(map[string]any, len(rec)+1)
		for k, v := range rec {
			entry[k] = v
		}

		entry["bucket_start"] = bucketStart

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}

		values = append(values, data)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.cfg.Key, values...)

	if s.cfg.MaxLen > 0 {
		pipe.LTrim(ctx, s.cfg.Key, -s.cfg.MaxLen, -1)
	}

	if s.cfg.TTL > 0 {
		pipe.Expire(ctx, s.cfg.Key, s.cfg.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing records to redis: %w", err)
	}

	return nil
}
