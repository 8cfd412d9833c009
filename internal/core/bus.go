package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventSink publishes security events to NATS JetStream. It is the write-only
// boundary between the defense pipeline and whatever observability system
// consumes the SECURITY_EVENTS stream.
type EventSink struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription

	published int64
	failed    int64
}

// NewEventSink connects to NATS. If cfg.Embedded is true, it starts an
// embedded NATS server first so the backend runs as a single binary.
func NewEventSink(cfg *BusConfig, logger zerolog.Logger) (*EventSink, error) {
	sink := &EventSink{
		logger: logger.With().Str("component", "event_sink").Logger(),
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		sink.ns = ns
		sink.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				sink.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			sink.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	sink.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	sink.js = js

	// Create or update the security events stream. AddStream returns the
	// existing stream if the config matches; if it exists with a different
	// config from an earlier version, we update it.
	streamCfg := &nats.StreamConfig{
		Name:      "SECURITY_EVENTS",
		Subjects:  []string{"cvchat.security.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7, // 7 days retention
		MaxBytes:  256 * 1024 * 1024,  // 256MB max
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating events stream: %w (original: %v)", updateErr, err)
		}
	}

	sink.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return sink, nil
}

// Publish writes a SecurityEvent to the stream.
func (s *EventSink) Publish(event *SecurityEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("cvchat.security.%s", event.Type)
	if _, err := s.js.Publish(subject, data); err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()

	s.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Str("severity", event.Severity.String()).
		Msg("event published")

	return nil
}

// Subscribe creates a durable subscription to security events.
func (s *EventSink) Subscribe(durableName string, handler func(event *SecurityEvent)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := s.js.Subscribe("cvchat.security.>", func(msg *nats.Msg) {
		event, err := UnmarshalSecurityEvent(msg.Data)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			return
		}
		handler(event)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to security events: %w", err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Close shuts down the sink and any embedded server.
func (s *EventSink) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()

	if s.nc != nil {
		s.nc.Close()
	}

	if s.ns != nil {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
		s.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (s *EventSink) IsConnected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// Stats returns publish counters.
func (s *EventSink) Stats() (published, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.failed
}
