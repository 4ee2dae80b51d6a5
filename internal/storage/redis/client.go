package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/storage"
)

const (
	sessionPrefix = "session:"
	pushPrefix    = "push:subs:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	return c.cli.Set(ctx, sessionPrefix+sessionID, userID, ttl).Err()
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (string, error) {
	val, err := c.cli.Get(ctx, sessionPrefix+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, sessionPrefix+sessionID).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.cli.Publish(ctx, channel, payload).Err()
}

// Subscribe дожидается подтверждения подписки, затем доставляет сообщения в отдельной горутине.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	ps := c.cli.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	msgs := ps.Channel()
	go func() {
		for m := range msgs {
			handler([]byte(m.Payload))
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				logger.Errorf("redis unsubscribe %s: %v", channel, err)
			}
		})
	}, nil
}

// AddSubscription добавляет подписку в конец списка и обрезает его до последних MaxPushSubscriptions.
func (c *Client) AddSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("push subscription encode: %w", err)
	}
	key := pushPrefix + userID
	pipe := c.cli.TxPipeline()
	pipe.LRem(ctx, key, 0, string(raw))
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxPushSubscriptions, -1)
	pipe.Expire(ctx, key, storage.PushSubscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) ListSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, pushPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]storage.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// RemoveSubscription удаляет все записи с данным endpoint.
func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	key := pushPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := c.cli.TxPipeline()
	n := 0
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == endpoint {
			pipe.LRem(ctx, key, 0, item)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	_, err = pipe.Exec(ctx)
	return err
}
