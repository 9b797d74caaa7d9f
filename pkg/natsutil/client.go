// Package natsutil connects agentchan to NATS for event fan-out and the
// request/reply read API.
package natsutil

import (
	"fmt"
	"time"

	"github.com/gftdcojp/agentchan/internal/config"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultConnectionName is reported to the server when the config leaves
// connection_name empty.
const DefaultConnectionName = "agentchan"

// Events published while disconnected are buffered up to this size and
// flushed on reconnect.
const reconnectBufSize = 8 * 1024 * 1024

// Roles records what a connection is used for.
type Roles struct {
	Events    bool
	Responder bool
}

// RolesFor derives the roles from the daemon config.
func RolesFor(cfg *config.Config) Roles {
	return Roles{
		Events:    cfg.Events.Enabled,
		Responder: cfg.API.NATSResponder.Enabled,
	}
}

// Needed reports whether any role requires a connection.
func (r Roles) Needed() bool { return r.Events || r.Responder }

func (r Roles) names() []string {
	var out []string
	if r.Events {
		out = append(out, "events")
	}
	if r.Responder {
		out = append(out, "responder")
	}
	return out
}

// Options builds the connection options for cfg. Connection state changes
// are logged with the roles that are affected.
func Options(cfg config.NATSConfig, roles Roles, logger *zap.Logger) ([]nats.Option, error) {
	name := cfg.ConnectionName
	if name == "" {
		name = DefaultConnectionName
	}
	logger = logger.With(zap.Strings("roles", roles.names()))

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.ReconnectBufSize(reconnectBufSize),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.NATSConnectionEvents.WithLabelValues("disconnect").Inc()
			fields := []zap.Field{zap.Error(err)}
			if roles.Events {
				fields = append(fields, zap.Int("event_buffer_bytes", reconnectBufSize))
			}
			if roles.Responder {
				fields = append(fields, zap.Bool("reads_unavailable", true))
			}
			logger.Warn("NATS disconnected", fields...)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionEvents.WithLabelValues("reconnect").Inc()
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()),
				zap.Uint64("reconnects", nc.Stats().Reconnects),
			)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionEvents.WithLabelValues("closed").Inc()
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	if cfg.NKeySeedFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}
	return opts, nil
}

// Connect opens the daemon's NATS connection. It returns a nil connection
// and no error when no role needs NATS.
func Connect(cfg config.NATSConfig, roles Roles, logger *zap.Logger) (*nats.Conn, error) {
	if !roles.Needed() {
		return nil, nil
	}
	opts, err := Options(cfg, roles, logger)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
		zap.String("name", nc.Opts.Name),
		zap.Strings("roles", roles.names()),
	)
	return nc, nil
}
