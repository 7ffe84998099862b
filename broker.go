// Package negotium broker capability.
// Abstracts the message broker behind a small keyed-datastore interface;
// Redis is the one supported kind.
package negotium

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BrokerRedis is the kind tag of the Redis driver.
const BrokerRedis = "redis"

// Broker identifies a message broker and hands out connections to it.
type Broker interface {
	Kind() string
	Connect(ctx context.Context) (Conn, error)
}

// Conn is the capability set the core needs from a broker connection. Keys
// passed in are already namespaced by application name. Implementations
// must be safe for concurrent use: the consumer shares one Conn across its
// loops and timer callbacks.
type Conn interface {
	RPush(ctx context.Context, key string, values ...string) error
	// BLPop blocks up to timeout for the head of one of the lists. It
	// returns the popped (key, value) pair, or nil when the timeout passed
	// with nothing to pop.
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key, member string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// connect validates the broker kind before dialing. Publish and consume
// entry points all come through here, so an unsupported kind fails fast.
func connect(ctx context.Context, b Broker) (Conn, error) {
	if b.Kind() != BrokerRedis {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, b.Kind())
	}
	return b.Connect(ctx)
}

type redisBroker struct {
	opts *redis.Options
}

// NewRedisBroker builds a Redis broker from discrete connection settings.
func NewRedisBroker(host string, port, db int, user, password string) Broker {
	return &redisBroker{opts: &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: user,
		Password: password,
		DB:       db,
	}}
}

// ParseBroker builds a broker from a URL such as redis://localhost:6379/0.
func ParseBroker(rawURL string) (Broker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBrokerURL, err)
	}
	return &redisBroker{opts: opts}, nil
}

func (b *redisBroker) Kind() string {
	return BrokerRedis
}

func (b *redisBroker) Connect(ctx context.Context) (Conn, error) {
	client := redis.NewClient(b.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerConnection, err)
	}
	return &redisConn{client: client}, nil
}

type redisConn struct {
	client *redis.Client
}

func (c *redisConn) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.client.RPush(ctx, key, args...).Err()
}

func (c *redisConn) BLPop(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	res, err := c.client.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

func (c *redisConn) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return c.client.LRem(ctx, key, count, value).Result()
}

func (c *redisConn) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

func (c *redisConn) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *redisConn) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (c *redisConn) ZRem(ctx context.Context, key, member string) (int64, error) {
	return c.client.ZRem(ctx, key, member).Result()
}

func (c *redisConn) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

func (c *redisConn) Close() error {
	return c.client.Close()
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
