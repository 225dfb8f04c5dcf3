package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis delegates every transport operation to a Redis server. The server
// already speaks the stream command set, so this backend is a thin error
// translation layer.
type Redis struct {
	client *redis.Client
	logger Logger
}

// NewRedis creates a Redis-backed transport from a redis:// URL.
func NewRedis(redisURL, password string, logger Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	return &Redis{
		client: redis.NewClient(opts),
		logger: logger,
	}, nil
}

// NewRedisFromClient wraps an existing client. Useful for tests.
func NewRedisFromClient(client *redis.Client, logger Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

// Connect verifies the server is reachable.
func (r *Redis) Connect(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// Disconnect closes the connection immediately.
func (r *Redis) Disconnect() error {
	return r.client.Close()
}

// Quit closes the connection after in-flight commands complete.
func (r *Redis) Quit(ctx context.Context) error {
	return r.client.Close()
}

// XAdd appends fields to a stream.
func (r *Redis) XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	assigned, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     id,
		Values: values,
	}).Result()
	if err != nil {
		r.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", translateErr(err)
	}

	r.logger.Debug("redis XADD", "stream", stream, "id", assigned)
	return assigned, nil
}

// XGroupCreate creates a consumer group.
func (r *Redis) XGroupCreate(ctx context.Context, stream, group, startID string, mkStream bool) error {
	var err error
	if mkStream {
		err = r.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	} else {
		err = r.client.XGroupCreate(ctx, stream, group, startID).Err()
	}
	if err != nil {
		return translateErr(err)
	}
	r.logger.Debug("redis XGROUP CREATE", "stream", stream, "group", group, "start", startID)
	return nil
}

// XReadGroup reads messages for a consumer.
func (r *Redis) XReadGroup(ctx context.Context, group, consumer string, cursors []Cursor, count int, block time.Duration) ([]StreamMessages, error) {
	streams := make([]string, 0, len(cursors)*2)
	for _, cur := range cursors {
		streams = append(streams, cur.Stream)
	}
	for _, cur := range cursors {
		streams = append(streams, cur.ID)
	}

	if block <= 0 {
		// go-redis treats 0 as "block forever"; -1 disables blocking.
		block = -1
	}

	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("redis XREADGROUP failed", "group", group, "error", err)
		return nil, translateErr(err)
	}

	out := make([]StreamMessages, 0, len(res))
	for _, xs := range res {
		sm := StreamMessages{Stream: xs.Stream}
		for _, msg := range xs.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			sm.Messages = append(sm.Messages, Message{ID: msg.ID, Fields: fields})
		}
		if len(sm.Messages) > 0 {
			out = append(out, sm)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// XAck acknowledges one message.
func (r *Redis) XAck(ctx context.Context, stream, group, id string) (int, error) {
	n, err := r.client.XAck(ctx, stream, group, id).Result()
	if err != nil {
		r.logger.Error("redis XACK failed", "stream", stream, "group", group, "id", id, "error", err)
		return 0, translateErr(err)
	}
	return int(n), nil
}

// XLen returns the entry count of a stream.
func (r *Redis) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, translateErr(err)
	}
	return n, nil
}

// Del removes streams.
func (r *Redis) Del(ctx context.Context, streams ...string) error {
	if err := r.client.Del(ctx, streams...).Err(); err != nil {
		return translateErr(err)
	}
	return nil
}

// XInfoGroups lists the consumer groups of a stream.
func (r *Redis) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	res, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, translateErr(err)
	}

	infos := make([]GroupInfo, 0, len(res))
	for _, g := range res {
		infos = append(infos, GroupInfo{
			Name:            g.Name,
			Consumers:       int(g.Consumers),
			Pending:         int(g.Pending),
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return infos, nil
}

// XGroupDestroy removes a consumer group.
func (r *Redis) XGroupDestroy(ctx context.Context, stream, group string) (int, error) {
	n, err := r.client.XGroupDestroy(ctx, stream, group).Result()
	if err != nil {
		return 0, translateErr(err)
	}
	return int(n), nil
}

// translateErr maps Redis protocol errors to the transport's named categories.
func translateErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "BUSYGROUP"):
		return fmt.Errorf("%v: %w", err, ErrGroupExists)
	case strings.Contains(msg, "NOGROUP"):
		return fmt.Errorf("%v: %w", err, ErrNoGroup)
	case strings.Contains(msg, "no such key"):
		return fmt.Errorf("%v: %w", err, ErrNoSuchKey)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "closed"):
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	default:
		return err
	}
}
