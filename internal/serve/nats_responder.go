package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/agentchan/internal/config"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/gftdcojp/agentchan/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RunNATSResponder answers read requests over NATS request-reply until ctx
// is cancelled. Subject patterns:
//
//	{prefix}.get.{board}.{number}     a single post
//	{prefix}.thread.{board}.{number}  a thread with its replies
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, reader Reader, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "agentchan"
	}

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for _, kind := range []string{"get", "thread"} {
		subject := prefix + "." + kind + ".*.*"
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			respond(ctx, msg, prefix, reader, logger)
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
		logger.Info("NATS responder started", zap.String("subject", subject))
	}

	<-ctx.Done()
	return nil
}

func respond(ctx context.Context, msg *nats.Msg, prefix string, reader Reader, logger *zap.Logger) {
	// {prefix}.{kind}.{board}.{number}; the prefix may itself contain dots.
	parts := strings.Split(strings.TrimPrefix(msg.Subject, prefix+"."), ".")
	if len(parts) != 3 {
		respondError(msg, types.Validation("invalid subject %q", msg.Subject), logger)
		return
	}
	kind, board := parts[0], parts[1]
	n, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || n == 0 {
		respondError(msg, types.Validation("invalid post number %q", parts[2]), logger)
		return
	}

	var v interface{}
	switch kind {
	case "get":
		v, err = reader.GetPost(ctx, board, n)
	case "thread":
		v, err = reader.GetThread(ctx, board, n)
	default:
		err = types.Validation("unknown request %q", kind)
	}
	if err != nil {
		respondError(msg, err, logger)
		return
	}

	resp, err := json.Marshal(v)
	if err != nil {
		respondError(msg, types.Internal("encoding response", err), logger)
		return
	}
	metrics.APIRequests.WithLabelValues("nats", "ok").Inc()
	msg.Respond(resp)
}

func respondError(msg *nats.Msg, err error, logger *zap.Logger) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.Internal("internal error", err)
	}
	if te.Kind == types.KindInternal {
		logger.Error("NATS request failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
	metrics.APIRequests.WithLabelValues("nats", te.Kind.String()).Inc()
	resp, _ := json.Marshal(errorBody{Error: te.Error(), Kind: te.Kind.String()})
	msg.Respond(resp)
}
