// Package operator holds the runtime switches an operator can flip without a
// deploy: the AI kill switch and the daily token ceiling.
package operator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "launchpath:operator:"

const (
	keyKillSwitch      = "kill_switch"
	keyDailyTokenLimit = "daily_token_limit"
)

type Settings struct {
	KillSwitch      bool  `json:"kill_switch"`
	DailyTokenLimit int64 `json:"daily_token_limit"`
}

// Static serves fixed settings, usually taken from config and environment.
type Static Settings

func (s Static) Settings(context.Context) (Settings, error) {
	return Settings(s), nil
}

// Redis reads settings from Redis keys, falling back per key to Fallback
// when a key is absent.
type Redis struct {
	Client   *redis.Client
	Prefix   string
	Fallback Static
}

func NewRedis(client *redis.Client, prefix string, fallback Static) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{Client: client, Prefix: prefix, Fallback: fallback}
}

// Dial parses a redis:// URL and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) KillSwitchKey() string { return r.Prefix + keyKillSwitch }

func (r *Redis) DailyTokenLimitKey() string { return r.Prefix + keyDailyTokenLimit }

func (r *Redis) Settings(ctx context.Context) (Settings, error) {
	out := Settings(r.Fallback)
	vals, err := r.Client.MGet(ctx, r.KillSwitchKey(), r.DailyTokenLimitKey()).Result()
	if err != nil {
		return out, fmt.Errorf("read operator settings: %w", err)
	}
	if raw, ok := vals[0].(string); ok {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return out, fmt.Errorf("operator key %s: %w", r.KillSwitchKey(), err)
		}
		out.KillSwitch = v
	}
	if raw, ok := vals[1].(string); ok {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return out, fmt.Errorf("operator key %s: %w", r.DailyTokenLimitKey(), err)
		}
		out.DailyTokenLimit = v
	}
	return out, nil
}

func (r *Redis) SetKillSwitch(ctx context.Context, on bool) error {
	return r.Client.Set(ctx, r.KillSwitchKey(), strconv.FormatBool(on), 0).Err()
}

func (r *Redis) SetDailyTokenLimit(ctx context.Context, limit int64) error {
	if limit < 0 {
		return errors.New("daily token limit must not be negative")
	}
	return r.Client.Set(ctx, r.DailyTokenLimitKey(), strconv.FormatInt(limit, 10), 0).Err()
}

// Reset removes both keys so the fallback values apply again.
func (r *Redis) Reset(ctx context.Context) error {
	pipe := r.Client.Pipeline()
	pipe.Del(ctx, r.KillSwitchKey())
	pipe.Del(ctx, r.DailyTokenLimitKey())
	_, err := pipe.Exec(ctx)
	return err
}
