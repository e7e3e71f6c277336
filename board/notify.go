package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/automations/internal/logger"
)

// Notification is one message to a user, produced by a notify action.
type Notification struct {
	WorkspaceID string    `json:"workspaceId,omitempty"`
	BoardID     string    `json:"boardId"`
	CardID      string    `json:"cardId"`
	Recipient   string    `json:"recipient"`
	Message     string    `json:"message"`
	RuleID      string    `json:"ruleId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger.InfoContext(ctx, "notification",
		"recipient", n.Recipient,
		"rule_id", n.RuleID,
		"message", n.Message,
	)
	return nil
}

const notificationChannelPrefix = "automations:notifications:"

// RedisNotifier publishes each notification as JSON on a per-recipient channel.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the pub/sub channel of a recipient.
func Channel(recipient string) string {
	return notificationChannelPrefix + recipient
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(n.Recipient), data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// RecordingNotifier keeps every notification in memory.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *RecordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications in delivery order.
func (r *RecordingNotifier) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// For returns the notifications addressed to recipient.
func (r *RecordingNotifier) For(recipient string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}

// MultiNotifier delivers to every notifier in order and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
