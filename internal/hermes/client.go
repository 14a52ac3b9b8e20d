// Package hermes is the NATS side of the pipeline: chat events come in,
// stored signals and finished reports go out.
package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// QueueGroup is shared by every iminsight instance so each inbound chat
// event is delivered to one of them, not all.
const QueueGroup = "iminsight"

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewClient connects to url. The connection keeps retrying in the
// background if the server is not up yet; ctx only bounds the first dial.
func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("iminsight"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{conn: nc, logger: logger}, nil
}

// Publish JSON-encodes data onto subject. Delivery is fire and forget.
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler on subject within QueueGroup.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject, "queue", QueueGroup)
	return nil
}

// Flush waits until the server has seen everything published so far.
// Short-lived commands call it before exiting.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// StopIntake drains every subscription and waits until their handlers have
// returned, so nothing new arrives while the caller finishes what it holds.
// The connection stays up for publishing.
func (c *Client) StopIntake(ctx context.Context) error {
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			return fmt.Errorf("drain %s: %w", sub.Subject, err)
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for _, sub := range c.subs {
		for sub.IsValid() {
			select {
			case <-ctx.Done():
				return fmt.Errorf("drain %s: %w", sub.Subject, ctx.Err())
			case <-ticker.C:
			}
		}
	}
	c.subs = nil
	return nil
}

func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains subscriptions so events already received are handed to
// their handlers, then closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.conn.Close()
	}
}
