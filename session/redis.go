package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	icrypto "github.com/jmcleod/mailbridge/internal/crypto"
	"github.com/jmcleod/mailbridge/internal/util"
	"github.com/jmcleod/mailbridge/storage"
)

const (
	redisKeyPrefix    = "mailbridge:session:"
	redisCreatedField = "_created"
	sessionValueVer   = 1
)

// RedisProvider stores host sessions as Redis hashes, one per token. Every
// value is sealed with AES-256-GCM under a key derived from an externally
// provided wrapping key, so a Redis dump alone does not reveal cached key
// material. The hash TTL is the idle timeout and is refreshed on access.
type RedisProvider struct {
	client      *redis.Client
	wrappingKey []byte
	idleTimeout time.Duration
	logger      *slog.Logger
}

var _ Provider = (*RedisProvider)(nil)

// NewRedisProvider returns a Provider backed by client. wrappingKey must be
// exactly 32 bytes and is never written to Redis.
func NewRedisProvider(client *redis.Client, wrappingKey []byte, idleTimeout time.Duration, logger *slog.Logger) (*RedisProvider, error) {
	if len(wrappingKey) != util.KeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.KeySize, len(wrappingKey))
	}
	if idleTimeout <= 0 {
		return nil, errors.New("redis sessions require a positive idle timeout")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisProvider{
		client:      client,
		wrappingKey: bytes.Clone(wrappingKey),
		idleTimeout: idleTimeout,
		logger:      logger,
	}, nil
}

// Close wipes the wrapping key. The Redis client is owned by the caller.
func (p *RedisProvider) Close() {
	util.WipeBytes(p.wrappingKey)
}

func (p *RedisProvider) Create(ctx context.Context) (string, Store, error) {
	token, err := util.RandomToken()
	if err != nil {
		return "", nil, err
	}
	key := redisKeyPrefix + token
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, redisCreatedField, time.Now().UTC().Format(time.RFC3339))
		pipe.Expire(ctx, key, p.idleTimeout)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("creating session: %w", err)
	}
	return token, p.store(token), nil
}

func (p *RedisProvider) Open(ctx context.Context, token string) (Store, bool) {
	ok, err := p.client.Expire(ctx, redisKeyPrefix+token, p.idleTimeout).Result()
	if err != nil {
		p.logger.Warn("session lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return p.store(token), true
}

func (p *RedisProvider) Destroy(ctx context.Context, token string) {
	if err := p.client.Del(ctx, redisKeyPrefix+token).Err(); err != nil {
		p.logger.Warn("session destroy failed", "error", err)
	}
}

func (p *RedisProvider) store(token string) *redisStore {
	return &redisStore{provider: p, token: token, key: redisKeyPrefix + token}
}

type redisStore struct {
	provider *RedisProvider
	token    string
	key      string
}

func (s *redisStore) Get(ctx context.Context, field string) (string, bool) {
	raw, err := s.provider.client.HGet(ctx, s.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.provider.logger.Warn("session read failed", "field", field, "error", err)
		return "", false
	}
	value, err := openValue(s.provider.wrappingKey, s.token, field, raw)
	if err != nil {
		s.provider.logger.Warn("session value rejected", "field", field, "error", err)
		return "", false
	}
	return value, true
}

func (s *redisStore) Set(ctx context.Context, field, value string) {
	sealed, err := sealValue(s.provider.wrappingKey, s.token, field, value)
	if err != nil {
		s.provider.logger.Error("session value seal failed", "field", field, "error", err)
		return
	}
	_, err = s.provider.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, field, sealed)
		pipe.Expire(ctx, s.key, s.provider.idleTimeout)
		return nil
	})
	if err != nil {
		s.provider.logger.Warn("session write failed", "field", field, "error", err)
	}
}

func sealValue(wrappingKey []byte, token, field, value string) (string, error) {
	key, err := icrypto.DeriveSessionValueKey(wrappingKey, token)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	env, err := storage.SealRecord(key, []byte(value), icrypto.AADSessionValue(token, field, sessionValueVer))
	if err != nil {
		return "", err
	}
	return env.Encode()
}

func openValue(wrappingKey []byte, token, field, raw string) (string, error) {
	env, err := storage.DecodeEnvelope(raw)
	if err != nil {
		return "", err
	}
	key, err := icrypto.DeriveSessionValueKey(wrappingKey, token)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	data, err := storage.OpenRecord(key, env, icrypto.AADSessionValue(token, field, sessionValueVer))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
