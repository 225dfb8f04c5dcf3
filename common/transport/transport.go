// Package transport provides the stream + consumer-group messaging primitive
// used by all persona workers and workflows. Two implementations exist: a
// Redis-backed client for deployment and an in-memory emulator with identical
// semantics for local runs and tests.
package transport

import (
	"context"
	"errors"
	"time"
)

// Named error categories. Callers match with errors.Is.
var (
	// ErrUnavailable indicates the broker connection is down or unreachable.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrNoSuchKey indicates an operation referenced a stream that does not exist.
	ErrNoSuchKey = errors.New("no such key")

	// ErrGroupExists indicates an attempt to create a consumer group that already exists.
	ErrGroupExists = errors.New("consumer group already exists")

	// ErrNoGroup indicates a read against an unknown consumer group.
	ErrNoGroup = errors.New("no such consumer group")
)

// Message is a single stream entry: a totally ordered ID plus short string fields.
type Message struct {
	ID     string
	Fields map[string]string
}

// StreamMessages groups the messages returned for one stream by a read.
type StreamMessages struct {
	Stream   string
	Messages []Message
}

// Cursor names a stream and the read position within it.
//
// ID ">" delivers new messages and advances group state; "0" returns this
// consumer's pending entries without mutation; an explicit ID returns messages
// strictly greater than it without touching group state.
type Cursor struct {
	Stream string
	ID     string
}

// GroupInfo describes one consumer group on a stream.
type GroupInfo struct {
	Name            string
	Consumers       int
	Pending         int
	LastDeliveredID string
}

// Transport abstracts the stream broker. All implementations must honor the
// same semantics so workers can run against either backend unchanged.
type Transport interface {
	// Connect establishes the broker connection (no-op for the in-memory backend).
	Connect(ctx context.Context) error

	// Disconnect tears down the connection, releasing listeners and cached state.
	Disconnect() error

	// Quit closes the connection gracefully after pending commands complete.
	Quit(ctx context.Context) error

	// XAdd appends fields to a stream. With id "*" the broker allocates an ID
	// strictly greater than every existing ID on the stream. Returns the
	// assigned ID.
	XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error)

	// XGroupCreate creates a consumer group positioned at startID ("0" = from
	// oldest, "$" = from tip). With mkStream, an empty stream is created when
	// absent; without it, a missing stream fails with ErrNoSuchKey.
	// Re-creating an existing group fails with ErrGroupExists.
	XGroupCreate(ctx context.Context, stream, group, startID string, mkStream bool) error

	// XReadGroup reads up to count messages per cursor on behalf of consumer.
	// If no messages match and block > 0, waits up to block for new messages
	// on any listed stream and re-reads once. Returns nil on timeout.
	XReadGroup(ctx context.Context, group, consumer string, cursors []Cursor, count int, block time.Duration) ([]StreamMessages, error)

	// XAck removes id from whichever consumer's pending set contains it.
	// Returns the number of entries acknowledged (0 or 1).
	XAck(ctx context.Context, stream, group, id string) (int, error)

	// XLen returns the number of entries in a stream (0 if absent).
	XLen(ctx context.Context, stream string) (int64, error)

	// Del removes streams entirely, including their consumer groups.
	Del(ctx context.Context, streams ...string) error

	// XInfoGroups lists the consumer groups of a stream.
	XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error)

	// XGroupDestroy removes a consumer group. Returns 1 if it existed.
	XGroupDestroy(ctx context.Context, stream, group string) (int, error)
}

// Logger is the logging surface the transport needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}
