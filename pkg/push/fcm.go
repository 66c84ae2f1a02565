package push

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/messaging"
)

const messageTTL = 24 * time.Hour

// notificationColor matches the accent color the widget app registers for its
// notification channels.
const notificationColor = "#ffaaff"

// MessagingClient is the slice of the FCM client the sender needs.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers queue items as topic-addressed FCM messages.
type FCMSender struct {
	log    *slog.Logger
	client MessagingClient
}

func NewFCMSender(log *slog.Logger, client MessagingClient) (*FCMSender, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("messaging client is required")
	}
	return &FCMSender{log: log, client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, item Item) error {
	id, err := s.client.Send(ctx, buildMessage(item))
	if err != nil {
		return err
	}
	s.log.Debug("push: delivered", "topic", item.Topic, "id", id)
	return nil
}

func buildMessage(item Item) *messaging.Message {
	ttl := messageTTL
	msg := &messaging.Message{Topic: item.Topic}
	if item.Notification {
		msg.Notification = &messaging.Notification{
			Title: item.Title,
			Body:  item.Body,
		}
		msg.Android = &messaging.AndroidConfig{
			TTL:      &ttl,
			Priority: "normal",
			Notification: &messaging.AndroidNotification{
				Color:     notificationColor,
				ChannelID: item.Topic,
				Priority:  messaging.PriorityMin,
			},
		}
		return msg
	}
	msg.Data = item.Data
	msg.Android = &messaging.AndroidConfig{
		TTL:      &ttl,
		Priority: "normal",
	}
	return msg
}
