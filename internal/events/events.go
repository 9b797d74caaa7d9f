// Package events fans accepted writes out to subscribers over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Type string

const (
	NewPost    Type = "new_post"
	ThreadBump Type = "thread_bump"
)

// Event describes one accepted write. Thread is the thread root number;
// for a new thread it equals Number.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	BoardID uint32    `json:"board_id"`
	Board   string    `json:"board"`
	Thread  uint64    `json:"thread"`
	Number  uint64    `json:"number,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher delivers events. Delivery is best effort; the write that
// produced an event is already committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ Type, boardID uint32, board string, thread uint64, at time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		BoardID: boardID,
		Board:   board,
		Thread:  thread,
		Time:    at,
	}
}

// Subject returns the NATS subject an event is published on:
// {prefix}.{board}.{type}.
func Subject(prefix string, ev Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, ev.Board, ev.Type)
}

// NATSPublisher publishes JSON events. The event id is sent as
// Nats-Msg-Id so a JetStream stream capturing the subjects deduplicates
// redeliveries.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "agentchan.events"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	msg := &nats.Msg{
		Subject: Subject(p.prefix, ev),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", msg.Subject), zap.String("id", ev.ID))
	return nil
}

// Nop discards events. Used when event fan-out is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
