package analytics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/vitals"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "vitals.analytics"

// publisher is the subset of *nats.Conn used by NATSPublisher.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the message published for every analytics command.
type Envelope struct {
	Command string         `json:"command"`
	Target  string         `json:"target"`
	Params  map[string]any `json:"params,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// NATSPublisher is an analytics transport that publishes each command on a NATS subject named
// <prefix>.<command>, for consumers that feed other analytics backends.
type NATSPublisher struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// Send publishes the command. Publishing is asynchronous in the NATS client; an error here means
// the connection could not buffer the message.
func (p *NATSPublisher) Send(command, target string, params vitals.Params) error {
	if command == "" {
		return errors.New("empty command")
	}
	data, err := sonic.Marshal(Envelope{
		Command: command,
		Target:  target,
		Params:  params,
		SentAt:  p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := p.Subject(command)
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.logger.Trace().Str("subject", subject).Str("target", target).Msg("Published analytics command")
	return nil
}

// Subject returns the subject a command is published on.
func (p *NATSPublisher) Subject(command string) string {
	return p.prefix + "." + command
}

// Close drains and closes the connection, when the publisher owns one.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func newNATSPublisher(pub publisher, prefix string, logger zerolog.Logger) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		pub:    pub,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// NewNATSPublisher connects to the NATS server at url and returns a publisher using prefix for
// its subjects.
func NewNATSPublisher(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("vitals"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := newNATSPublisher(conn, prefix, logger)
	p.conn = conn
	logger.Info().Str("url", url).Str("prefix", p.prefix).Msg("NATS analytics publisher connected")
	return p, nil
}
