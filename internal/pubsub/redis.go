// Package pubsub fans room events out to every server instance over Redis.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

// DefaultChannel carries every room of every instance
const DefaultChannel = "interview-pro:rooms"

// Message is one room event published by an instance
type Message struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Exclude  string          `json:"exclude,omitempty"` // client id that already has it
	Envelope models.Envelope `json:"envelope"`
}

// Redis publishes room events and delivers those of other instances
type Redis struct {
	client   *redis.Client
	channel  string
	instance string
	log      logr.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// Dial connects to redisURL and checks the connection
func Dial(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, channel string, log logr.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log.WithName("pubsub"),
	}
}

// Instance identifies this process on the channel
func (r *Redis) Instance() string {
	return r.instance
}

func (r *Redis) Publish(ctx context.Context, room, exclude string, env models.Envelope) error {
	data, err := json.Marshal(Message{Instance: r.instance, Room: room, Exclude: exclude, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", room, err)
	}
	return nil
}

// Subscribe delivers messages from other instances until ctx is done or
// Close is called. It returns once the subscription is confirmed.
func (r *Redis) Subscribe(ctx context.Context, deliver func(Message)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	// Learning: the first Receive waits for the server's confirmation, so
	// nothing published after Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.log.Error(err, "dropping malformed message")
					continue
				}
				if m.Instance == r.instance {
					continue
				}
				deliver(m)
			}
		}
	}()
	return nil
}

// Close ends every subscription; the client is left open
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
