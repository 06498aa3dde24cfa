package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mooring-dev/mooring/internal/conversation"
)

// SubjectStatus carries conversation status transitions for clients that
// prefer push over polling.
const SubjectStatus = "mooring.conversation.status"

// SubjectRegistered announces the service at startup.
const SubjectRegistered = "mooring.service.registered"

// StatusSignal is published on every conversation status transition.
type StatusSignal struct {
	ConversationID string              `json:"conversation_id"`
	Status         conversation.Status `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	SandboxID      string              `json:"sandbox_id,omitempty"`
	AgentServerURL string              `json:"agent_server_url,omitempty"`
	Timestamp      string              `json:"timestamp"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishStatus pushes a status transition. The timestamp is stamped here so
// callers only fill the conversation fields.
func (c *Client) PublishStatus(sig StatusSignal) error {
	sig.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return c.Publish(SubjectStatus, sig)
}

// Announce publishes the service registration event.
func (c *Client) Announce(port int) error {
	return c.Publish(SubjectRegistered, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "mooring",
		"port":      port,
	})
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
