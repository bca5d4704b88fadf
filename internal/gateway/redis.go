package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "teamrelay:issue:"

// StreamEvent is one entry of an issue's activity stream.
type StreamEvent struct {
	Kind      string    `json:"kind"` // "session" or "activity"
	SessionID string    `json:"session_id"`
	IssueID   string    `json:"issue_id"`
	Type      string    `json:"type,omitempty"`
	Body      string    `json:"body,omitempty"`
	Action    string    `json:"action,omitempty"`
	Parameter string    `json:"parameter,omitempty"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisStreamAdapter appends session activity to a Redis stream per issue.
type RedisStreamAdapter struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisStreamAdapter creates a Redis-backed stream adapter. maxLen caps
// each stream approximately; zero leaves streams uncapped.
func NewRedisStreamAdapter(redisURL string, maxLen int64, logger *zap.Logger) (*RedisStreamAdapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStreamAdapter{rdb: redis.NewClient(opts), maxLen: maxLen, logger: logger}, nil
}

func (a *RedisStreamAdapter) Platform() string { return "redis" }

// Connect checks the server is reachable.
func (a *RedisStreamAdapter) Connect(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// StreamKey is the stream holding an issue's activity.
func StreamKey(issueID string) string { return streamPrefix + issueID }

func (a *RedisStreamAdapter) OpenSession(ctx context.Context, sess *SessionInfo) error {
	return a.publish(ctx, &StreamEvent{
		Kind:      "session",
		SessionID: sess.ID,
		IssueID:   sess.IssueID,
		Timestamp: sess.CreatedAt,
	})
}

func (a *RedisStreamAdapter) Send(ctx context.Context, msg *OutboundMessage) error {
	return a.publish(ctx, &StreamEvent{
		Kind:      "activity",
		SessionID: msg.SessionID,
		IssueID:   msg.IssueID,
		Type:      string(msg.Activity.Type),
		Body:      msg.Activity.Body,
		Action:    msg.Activity.Action,
		Parameter: msg.Activity.Parameter,
		Ephemeral: msg.Activity.Ephemeral,
		Timestamp: msg.SentAt,
	})
}

func (a *RedisStreamAdapter) publish(ctx context.Context, ev *StreamEvent) error {
	if ev.IssueID == "" {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := StreamKey(ev.IssueID)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if a.maxLen > 0 {
		args.MaxLen = a.maxLen
		args.Approx = true
	}
	if _, err := a.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	a.logger.Debug("published stream event",
		zap.String("stream", stream),
		zap.String("kind", ev.Kind),
		zap.String("session", ev.SessionID))
	return nil
}

// Subscribe follows an issue's stream from "now".
// Returns a channel that emits events. Cancel the context to stop.
func (a *RedisStreamAdapter) Subscribe(ctx context.Context, issueID string) <-chan *StreamEvent {
	ch := make(chan *StreamEvent, 16)
	stream := StreamKey(issueID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := a.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev StreamEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						select {
						case ch <- &ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (a *RedisStreamAdapter) Close() error {
	return a.rdb.Close()
}
