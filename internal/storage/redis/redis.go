package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/pagelimit/internal/config"
	"github.com/goodtune/pagelimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

// revisionField is reserved inside each partition hash.
const revisionField = "__revision"

// Store holds a Redis connection serving the syncable partition.
type Store struct {
	client    *redis.Client
	namespace string
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	return &Store{client: client, namespace: namespace}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Partition returns the named partition stored as a single Redis hash.
func (s *Store) Partition(name string) storage.Partition {
	return &partition{
		client: s.client,
		key:    fmt.Sprintf("pagelimit:%s:partition:%s", s.namespace, name),
	}
}

// Sync returns the syncable partition.
func (s *Store) Sync() storage.Partition {
	return s.Partition("sync")
}

// Revision returns how many writes the named partition has seen.
func (s *Store) Revision(ctx context.Context, name string) (int64, error) {
	n, err := s.client.HGet(ctx, fmt.Sprintf("pagelimit:%s:partition:%s", s.namespace, name), revisionField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

type partition struct {
	client *redis.Client
	key    string
}

func (p *partition) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := p.client.HGet(ctx, p.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *partition) Set(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}

	fields := make([]string, 0, len(values))
	for field := range values {
		if field == revisionField {
			return fmt.Errorf("field name %q is reserved", revisionField)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	args := make([]interface{}, 0, len(values)*2)
	for _, field := range fields {
		args = append(args, field, values[field])
	}

	script := redis.NewScript(setFieldsScript)
	return script.Run(ctx, p.client, []string{p.key}, args...).Err()
}
