package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/broadcast"
	"github.com/wolfeidau/miningd/internal/telemetry"
)

// Config controls the NATS connection and subject layout.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "miningd.sessions",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect handling and logging.
func Connect(cfg Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("miningd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Relay republishes broadcaster events to NATS so observers outside the process can
// follow sessions.
type Relay struct {
	pub    Publisher
	prefix string
}

// New creates a relay publishing under prefix.
func New(pub Publisher, prefix string) *Relay {
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	return &Relay{pub: pub, prefix: prefix}
}

// Subject returns the subject an event is published on. The user id is base58
// encoded so ids containing '.', '*', '>' or whitespace stay a single token; the
// raw id is in the payload.
func (r *Relay) Subject(ev broadcast.Event) string {
	return fmt.Sprintf("%s.%s.%s", r.prefix, base58.Encode([]byte(ev.UserID)), ev.Type)
}

// Run forwards events from sub until ctx is done or the subscription is closed.
// Publish failures are logged and counted, never returned.
func (r *Relay) Run(ctx context.Context, sub *broadcast.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.forward(ev)
		}
	}
}

func (r *Relay) forward(ev broadcast.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("user_id", ev.UserID).Msg("marshal event")
		return
	}

	subject := r.Subject(ev)
	if err := r.pub.Publish(subject, data); err != nil {
		telemetry.GetMetrics().RelayPublishErrorsTotal.Add(context.Background(), 1)
		log.Warn().Err(err).Str("subject", subject).Msg("relay publish failed")
		return
	}

	log.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("relayed event")
}
