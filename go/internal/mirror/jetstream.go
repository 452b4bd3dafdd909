package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/subathon/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep events
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "SUBATHON_EVENTS",
		SubjectPrefix:   "subathon.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// msgPublisher is the part of jetstream.JetStream the mirror needs.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamMirror copies applied canonical events onto a JetStream stream
// so other processes can follow a session.
type JetStreamMirror struct {
	nc     *nats.Conn
	js     msgPublisher
	config JetStreamConfig
}

// Envelope is the JSON body of a mirrored event.
type Envelope struct {
	SessionID string                `json:"sessionId"`
	Event     events.CanonicalEvent `json:"event"`
	Mirrored  time.Time             `json:"mirroredAt"`
}

func NewJetStreamMirror(ctx context.Context, cfg JetStreamConfig) (*JetStreamMirror, error) {
	opts := []nats.Option{
		nats.Name("subathon"),
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

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	sc := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Subathon timer events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}
	if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	log.Info().Str("stream", cfg.StreamName).Msg("JetStream stream ready")

	return &JetStreamMirror{nc: nc, js: js, config: cfg}, nil
}

// Subject is <prefix>.<lowercase event type>.
func (m *JetStreamMirror) Subject(t events.Type) string {
	return fmt.Sprintf("%s.%s", m.config.SubjectPrefix, strings.ToLower(string(t)))
}

// Publish mirrors one event. The event id doubles as the JetStream message
// id so a retried publish is deduplicated.
func (m *JetStreamMirror) Publish(ctx context.Context, sessionID string, ev events.CanonicalEvent) error {
	data, err := json.Marshal(Envelope{
		SessionID: sessionID,
		Event:     ev,
		Mirrored:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := m.Subject(ev.Type)
	ack, err := m.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(ev.Type)},
			"Session-ID": []string{sessionID},
			"Event-ID":   []string{ev.ID},
		},
	},
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectStream(m.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", ev.ID).
		Uint64("sequence", ack.Sequence).
		Msg("event mirrored")
	return nil
}

func (m *JetStreamMirror) Close() error {
	if m.nc != nil {
		m.nc.Close()
	}
	return nil
}

// Ping reports whether the NATS connection is up.
func (m *JetStreamMirror) Ping(ctx context.Context) error {
	if m.nc == nil || !m.nc.IsConnected() {
		return errors.New("NATS disconnected")
	}
	return nil
}
