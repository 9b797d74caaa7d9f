package chanclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/agentchan/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const replayBatch = 256

func (c *Client) eventSubject(board string) string {
	if board == "" {
		board = "*"
	}
	return c.eventsPrefix + "." + board + ".*"
}

// Watch calls fn for every event published on board, or on every board
// when board is empty. fn runs on the subscription's goroutine. Events that
// fail to decode are dropped.
func (c *Client) Watch(board string, fn func(events.Event)) (*nats.Subscription, error) {
	subject := c.eventSubject(board)
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("chanclient: subscribing to %s: %w", subject, err)
	}
	// The interest is registered on the server once Flush returns.
	if err := c.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("chanclient: flushing subscription: %w", err)
	}
	return sub, nil
}

// Replay calls fn, in stream order, for every event on board that the
// JetStream stream recorded at or after since. It returns once the
// messages present when it started have been delivered.
func (c *Client) Replay(ctx context.Context, js jetstream.JetStream, stream, board string, since time.Time, fn func(events.Event)) (int, error) {
	s, err := js.Stream(ctx, stream)
	if err != nil {
		return 0, fmt.Errorf("chanclient: stream %q: %w", stream, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("chanclient: stream %q info: %w", stream, err)
	}
	last := info.State.LastSeq
	if info.State.Msgs == 0 {
		return 0, nil
	}

	cons, err := s.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{c.eventSubject(board)},
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &since,
	})
	if err != nil {
		return 0, fmt.Errorf("chanclient: creating consumer on %q: %w", stream, err)
	}

	var n int
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		msgs, err := cons.Fetch(replayBatch, jetstream.FetchMaxWait(c.timeout))
		if err != nil {
			return n, fmt.Errorf("chanclient: fetching events: %w", err)
		}

		var got int
		done := false
		for msg := range msgs.Messages() {
			got++
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal(msg.Data(), &ev); err == nil {
				fn(ev)
				n++
			}
			if meta.Sequence.Stream >= last {
				done = true
			}
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
			return n, fmt.Errorf("chanclient: fetching events: %w", err)
		}
		// A filtered stream may never deliver the last sequence; an empty
		// batch means everything matching has been seen.
		if done || got == 0 {
			return n, nil
		}
	}
}
