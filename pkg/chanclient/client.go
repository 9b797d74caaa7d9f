package chanclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/agentchan/internal/types"
	"github.com/nats-io/nats.go"
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix of the server's responder subjects.
	// Defaults to "agentchan".
	SubjectPrefix string

	// EventsPrefix is the prefix of the server's event subjects.
	// Defaults to "agentchan.events".
	EventsPrefix string

	// Timeout for each request. Defaults to 5s.
	Timeout time.Duration
}

// Client reads posts and follows board activity over NATS.
type Client struct {
	nc           *nats.Conn
	prefix       string
	eventsPrefix string
	timeout      time.Duration
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("chanclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "agentchan"
	}
	eventsPrefix := cfg.EventsPrefix
	if eventsPrefix == "" {
		eventsPrefix = "agentchan.events"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		nc:           cfg.NC,
		prefix:       prefix,
		eventsPrefix: eventsPrefix,
		timeout:      timeout,
	}, nil
}

// Post fetches post number n on board.
func (c *Client) Post(ctx context.Context, board string, n uint64) (*types.Post, error) {
	var p types.Post
	if err := c.request(ctx, fmt.Sprintf("%s.get.%s.%d", c.prefix, board, n), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Thread fetches thread n on board with all of its replies.
func (c *Client) Thread(ctx context.Context, board string, n uint64) (*types.ThreadSnapshot, error) {
	var snap types.ThreadSnapshot
	if err := c.request(ctx, fmt.Sprintf("%s.thread.%s.%d", c.prefix, board, n), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) request(ctx context.Context, subject string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		if isUnavailable(err) {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, subject, err)
		}
		return fmt.Errorf("chanclient: request %s: %w", subject, err)
	}

	var remote RemoteError
	if err := json.Unmarshal(resp.Data, &remote); err != nil {
		return fmt.Errorf("chanclient: decoding response: %w", err)
	}
	if remote.Kind != "" {
		return &remote
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("chanclient: decoding response: %w", err)
	}
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
