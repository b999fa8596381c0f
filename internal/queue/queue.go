package queue

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message types.
const (
	// TypeAttendanceCreated carries a JSON model.AttendanceRecord.
	TypeAttendanceCreated = "attendance.created"
)

// DefaultKey is the redis list the API publishes to and the worker drains.
const DefaultKey = "attendance:events"

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// New picks the backend named by kind: "memory" or "redis".
func New(kind string, client *redis.Client) Queue {
	if kind == "memory" || client == nil {
		return NewInMemory(64)
	}
	return NewRedisQueue(client, DefaultKey)
}

// InMemory is a channel-backed queue for single-process setups and tests.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message, blocking while the queue is full.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. It is closed when ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, encode(msg)).Err()
}

// Consume streams messages using BRPOP until ctx ends.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Printf("queue brpop %s: %v", q.key, err)
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			select {
			case out <- decode(res[1]):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// encode stores messages as Type|Body.
func encode(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func decode(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
