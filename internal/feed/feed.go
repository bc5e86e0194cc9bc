// Package feed is the change-feed collaborator for the request collection,
// backed by a Redis pub/sub channel. Every committed write is published as
// an insert/update/delete event; subscribers merge events into local view
// state and must re-fetch the full collection after a reconnect, since
// events delivered during the gap are lost.
package feed

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"caseflow/internal/store"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event is the wire payload. Request is absent for deletes.
type Event struct {
	Op        string         `json:"op"`
	RequestID string         `json:"requestId"`
	Request   *store.Request `json:"request,omitempty"`
}

// Handlers receive feed events. OnReconnect fires after the subscription is
// re-established following a dropped connection.
type Handlers struct {
	OnInsert    func(store.Request)
	OnUpdate    func(store.Request)
	OnDelete    func(requestID string)
	OnReconnect func()
}

type Feed struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func New(redisURL, channel string, log zerolog.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Feed{client: client, channel: channel, log: log}, nil
}

// NewWithClient wraps an existing Redis client, used by tests.
func NewWithClient(client *redis.Client, channel string, log zerolog.Logger) *Feed {
	return &Feed{client: client, channel: channel, log: log}
}

func (f *Feed) Close() error {
	return f.client.Close()
}

func (f *Feed) PublishInsert(ctx context.Context, req store.Request) error {
	return f.publish(ctx, Event{Op: OpInsert, RequestID: req.ID, Request: &req})
}

func (f *Feed) PublishUpdate(ctx context.Context, req store.Request) error {
	return f.publish(ctx, Event{Op: OpUpdate, RequestID: req.ID, Request: &req})
}

func (f *Feed) PublishDelete(ctx context.Context, requestID string) error {
	return f.publish(ctx, Event{Op: OpDelete, RequestID: requestID})
}

func (f *Feed) publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

// Subscribe starts delivering events to the handlers until the returned
// unsubscribe function is called or the context is cancelled. It blocks
// until the initial subscription is confirmed, so events published after
// Subscribe returns are not missed.
func (f *Feed) Subscribe(ctx context.Context, h Handlers) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to feed: %w", err)
	}

	go f.run(ctx, pubsub, h)

	return func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}

func (f *Feed) run(ctx context.Context, pubsub *redis.PubSub, h Handlers) {
	backoff := 250 * time.Millisecond
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn().Err(err).Str("channel", f.channel).Msg("feed: subscription dropped, resubscribing")
			_ = pubsub.Close()

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}

			pubsub = f.client.Subscribe(ctx, f.channel)
			if _, err := pubsub.Receive(ctx); err != nil {
				continue
			}
			backoff = 250 * time.Millisecond
			if h.OnReconnect != nil {
				h.OnReconnect()
			}
			continue
		}
		f.dispatch(msg.Payload, h)
	}
}

func (f *Feed) dispatch(payload string, h Handlers) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		f.log.Warn().Err(err).Msg("feed: dropping malformed event")
		return
	}
	switch event.Op {
	case OpInsert:
		if event.Request != nil && h.OnInsert != nil {
			h.OnInsert(*event.Request)
		}
	case OpUpdate:
		if event.Request != nil && h.OnUpdate != nil {
			h.OnUpdate(*event.Request)
		}
	case OpDelete:
		if h.OnDelete != nil {
			h.OnDelete(event.RequestID)
		}
	default:
		f.log.Warn().Str("op", event.Op).Msg("feed: unknown event op")
	}
}
