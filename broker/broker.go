// Package broker carries transmission announcements to the downstream
// transmitters, one pub/sub topic per channel.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker publishes a payload on a topic. Publication is fire-and-forget
// from the caller's perspective; delivery failures are healed by the
// retransmission controller.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Redis is a Broker over Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance at uri.
func NewRedis(uri string) (*Redis, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Publish sends payload on the topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory is an in-process Broker that records published messages. Used in
// tests and when no Redis is configured.
type Memory struct {
	mu       sync.Mutex
	messages map[string][][]byte
	failWith error
}

// NewMemory builds an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string][][]byte)}
}

// Publish records payload under topic.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.messages[topic] = append(m.messages[topic], cp)
	return nil
}

// Close implements Broker.
func (m *Memory) Close() error { return nil }

// Messages returns the payloads published on topic, in order.
func (m *Memory) Messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.messages[topic]))
	copy(out, m.messages[topic])
	return out
}

// FailWith makes subsequent publishes return err; nil restores normal
// operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}
