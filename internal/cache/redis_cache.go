package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posdesk/backend/internal/invoice"
)

const printKeyPrefix = "print:"

// Redis backs both the print stash and the settings store with one client.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string, password string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Redis{client: client}
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) Put(ctx context.Context, payload []byte, ttl time.Duration) (string, error) {
	key := newKey()
	if err := c.client.Set(ctx, printKeyPrefix+key, payload, ttl).Err(); err != nil {
		return "", err
	}
	return key, nil
}

// Take reads and deletes in one round trip so a payload is never printed twice.
func (c *Redis) Take(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.GetDel(ctx, printKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPrintJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *Redis) Get(ctx context.Context, branchID string, deskID string) (invoice.PrintSettings, bool, error) {
	val, err := c.client.Get(ctx, settingsKey(branchID, deskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return invoice.PrintSettings{}, false, nil
	}
	if err != nil {
		return invoice.PrintSettings{}, false, err
	}

	var settings invoice.PrintSettings
	if err := json.Unmarshal(val, &settings); err != nil {
		return invoice.PrintSettings{}, false, err
	}
	return settings.Normalize(), true, nil
}

func (c *Redis) Save(ctx context.Context, branchID string, deskID string, settings invoice.PrintSettings) error {
	payload, err := json.Marshal(settings.Normalize())
	if err != nil {
		return err
	}
	return c.client.Set(ctx, settingsKey(branchID, deskID), payload, 0).Err()
}
