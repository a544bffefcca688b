package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultSubjectPrefix = "presence.user"

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATSConfig struct {
	URL string
	// SubjectPrefix defaults to "presence.user"; events go to <prefix>.<userId>.
	SubjectPrefix string
}

// NATSPublisher publishes each event on a per-user subject.
type NATSPublisher struct {
	nc     natsConn
	prefix string
}

func NewNATSPublisher(log *slog.Logger, cfg NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("herald"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("events.nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("events.nats.reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return newNATSPublisher(nc, cfg.SubjectPrefix), nil
}

func newNATSPublisher(nc natsConn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event for userID is published on.
func (p *NATSPublisher) Subject(userID string) string {
	return p.prefix + "." + userID
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.encode()
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	return p.nc.Publish(p.Subject(ev.UserID), data)
}

// Close drains buffered publishes before disconnecting.
func (p *NATSPublisher) Close() error { return p.nc.Drain() }
