// Package eventsink forwards bus events to NATS subjects.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"reimportd/internal/eventbus"
	"reimportd/pkg/logx"
)

const DefaultPrefix = "reimportd"

// Publisher is the subset of *nats.Conn used by the sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	URL    string
	Prefix string
	Buffer int
}

// Envelope is the JSON payload of every forwarded event.
type Envelope struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Sink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	buffer int
	log    logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials NATS with unlimited reconnects.
func Connect(cfg Config, log logx.Logger) (*Sink, error) {
	log = log.With(logx.String("comp", "eventsink"))
	nc, err := nats.Connect(cfg.URL,
		nats.Name("reimportd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	s := New(nc, cfg, log)
	s.conn = nc
	return s, nil
}

// New wraps an existing publisher. The caller keeps ownership of pub.
func New(pub Publisher, cfg Config, log logx.Logger) *Sink {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Sink{pub: pub, prefix: prefix, buffer: cfg.Buffer, log: log}
}

// Subject returns the NATS subject for an event type.
func (s *Sink) Subject(eventType string) string { return s.prefix + "." + eventType }

// Run forwards events until ctx is done, then flushes.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(s.buffer)
	defer unsubscribe()
	s.log.Info("forwarding events to nats", logx.String("prefix", s.prefix))
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case ev, ok := <-ch:
			if !ok {
				s.flush()
				return nil
			}
			s.Forward(ev)
		}
	}
}

// Forward publishes one event. Failures are counted and logged, never returned.
func (s *Sink) Forward(ev eventbus.Event) {
	env := Envelope{Type: ev.Type, Time: ev.Time.UTC()}
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			s.failed.Add(1)
			s.log.Warn("event not serializable", logx.String("type", ev.Type), logx.Err(err))
			return
		}
		env.Data = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		s.failed.Add(1)
		return
	}
	if err := s.pub.Publish(s.Subject(ev.Type), b); err != nil {
		s.failed.Add(1)
		s.log.Debug("nats publish failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	s.published.Add(1)
}

func (s *Sink) Stats() (published, failed uint64) {
	return s.published.Load(), s.failed.Load()
}

func (s *Sink) flush() {
	if s.conn == nil {
		return
	}
	if err := s.conn.FlushTimeout(2 * time.Second); err != nil {
		s.log.Debug("nats flush failed", logx.Err(err))
	}
}

// Close drains the connection opened by Connect.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
