// Package redisfeed fans committed store changes out across processes over
// Redis pub/sub.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/conclave/internal/services/conclave/storage"
)

const channelPrefix = "conclave:changes:"

// Feed is a storage.Feed on top of a go-redis client.
type Feed struct {
	client *redis.Client
	prefix string
}

var _ storage.Feed = (*Feed)(nil)

// Dial connects to url and verifies the connection.
func Dial(ctx context.Context, url string) (*Feed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redisfeed: url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisfeed: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisfeed: ping: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Feed {
	return &Feed{client: client, prefix: channelPrefix}
}

// Channel returns the pub/sub channel carrying sessionID's changes.
func (f *Feed) Channel(sessionID string) string {
	return f.prefix + sessionID
}

// Publish sends change on its session channel.
func (f *Feed) Publish(ctx context.Context, change storage.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redisfeed: encode change: %w", err)
	}
	if err := f.client.Publish(ctx, f.Channel(change.SessionID), data).Err(); err != nil {
		return fmt.Errorf("redisfeed: publish: %w", err)
	}
	return nil
}

// Subscribe listens on one session channel, or on every session channel when
// sessionID is empty.
func (f *Feed) Subscribe(ctx context.Context, sessionID string) (<-chan storage.Change, func(), error) {
	var pubsub *redis.PubSub
	if sessionID == "" {
		pubsub = f.client.PSubscribe(ctx, f.prefix+"*")
	} else {
		pubsub = f.client.Subscribe(ctx, f.Channel(sessionID))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redisfeed: subscribe: %w", err)
	}

	out := make(chan storage.Change, 64)
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				change, err := DecodeMessage(msg.Payload)
				if err != nil {
					log.Printf("redisfeed: drop malformed change channel=%q err=%v", msg.Channel, err)
					continue
				}
				select {
				case out <- change:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// DecodeMessage parses a pub/sub payload into a change.
func DecodeMessage(payload string) (storage.Change, error) {
	var change storage.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return storage.Change{}, err
	}
	if change.Table == "" || change.SessionID == "" {
		return storage.Change{}, errors.New("change is missing table or session")
	}
	return change, nil
}

// Close closes the underlying client.
func (f *Feed) Close() error {
	return f.client.Close()
}
