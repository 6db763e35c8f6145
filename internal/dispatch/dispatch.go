// Package dispatch is the notification boundary. The core publishes to
// topics and never waits on delivery; transports are at-least-once and
// failures stay inside this package.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	TopicRideEvents          = "ride-events"
	TopicPaymentEvents       = "payment-events"
	TopicDriverNotifications = "driver-notifications"
	TopicUserNotifications   = "user-notifications"
)

const serviceName = "ride-dispatch"

// Publisher is the single capability the core requires from the event
// transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Event is the envelope for ride and payment events.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Service   string         `json:"service"`
	Data      map[string]any `json:"data"`
}

// Notification is the envelope for rider/driver directed messages.
type Notification struct {
	NotificationID string         `json:"notification_id"`
	RecipientType  string         `json:"recipient_type"`
	RecipientID    string         `json:"recipient_id"`
	Timestamp      string         `json:"timestamp"`
	Data           map[string]any `json:"data"`
}

// Notifier wraps a Publisher with envelope construction. Publish failures
// are logged and swallowed; a dropped notification must never fail a match.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
}

func NewNotifier(pub Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger}
}

func (n *Notifier) publish(ctx context.Context, topic string, payload any) {
	if n.pub == nil {
		return
	}
	if err := n.pub.Publish(ctx, topic, payload); err != nil {
		n.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

func (n *Notifier) RideEvent(ctx context.Context, eventType string, data map[string]any) {
	n.publish(ctx, TopicRideEvents, Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   serviceName,
		Data:      data,
	})
}

func (n *Notifier) PaymentEvent(ctx context.Context, eventType string, data map[string]any) {
	n.publish(ctx, TopicPaymentEvents, Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   serviceName,
		Data:      data,
	})
}

func (n *Notifier) DriverNotification(ctx context.Context, driverID string, data map[string]any) {
	n.publish(ctx, TopicDriverNotifications, Notification{
		NotificationID: uuid.NewString(),
		RecipientType:  "driver",
		RecipientID:    driverID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Data:           data,
	})
}

func (n *Notifier) UserNotification(ctx context.Context, userID string, data map[string]any) {
	n.publish(ctx, TopicUserNotifications, Notification{
		NotificationID: uuid.NewString(),
		RecipientType:  "user",
		RecipientID:    userID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Data:           data,
	})
}

// MultiPublisher fans a publish out to several transports.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
