package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sosalert/internal/config"
	"sosalert/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	queueStreamMaxAge      = 7 * 24 * time.Hour
	queueDuplicateWindow   = 10 * time.Minute
	defaultQueueConnectTTL = 2 * time.Second
)

// QueueSender publishes alerts into a JetStream stream for reliable fan-out.
// Params: NATS endpoint, token, subject and stream names.
// Returns: queue channel sender with lazy connection.
type QueueSender struct {
	cfg config.QueueChannelConfig

	mu          sync.Mutex
	nc          *nats.Conn
	js          nats.JetStreamContext
	streamReady bool
}

// NewQueueSender creates JetStream publisher; connection is opened on first send.
// Params: queue channel config.
// Returns: sender.
func NewQueueSender(cfg config.QueueChannelConfig) *QueueSender {
	return &QueueSender{cfg: cfg}
}

// Name returns queue channel key.
func (s *QueueSender) Name() string {
	return domain.ChannelQueue
}

// Ready reports missing endpoint or subject.
func (s *QueueSender) Ready() error {
	if strings.TrimSpace(s.cfg.Endpoint) == "" {
		return errors.New("queue endpoint is not configured")
	}
	if strings.TrimSpace(s.cfg.Subject) == "" || strings.TrimSpace(s.cfg.Stream) == "" {
		return errors.New("queue subject and stream are required")
	}
	return nil
}

// Send publishes one alert with broker-side dedupe on alert id.
// Params: context and alert.
// Returns: nil on publish ack, broker failure otherwise.
func (s *QueueSender) Send(ctx context.Context, alert domain.EmergencyAlert) error {
	js, err := s.jetStream()
	if err != nil {
		return Fail(ReasonBroker, err)
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return FailPermanent(ReasonValidation, fmt.Errorf("encode alert: %w", err))
	}
	msg := nats.NewMsg(s.cfg.Subject)
	msg.Data = body
	msg.Header.Set("Nats-Msg-Id", alert.ID)
	if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Fail(ReasonBroker, fmt.Errorf("publish alert: %w", err))
	}
	return nil
}

// Close closes NATS connection when opened.
func (s *QueueSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
		s.js = nil
		s.streamReady = false
	}
	return nil
}

// jetStream returns connected JetStream context, connecting and ensuring stream lazily.
func (s *QueueSender) jetStream() (nats.JetStreamContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc != nil && s.nc.IsClosed() {
		s.nc = nil
		s.js = nil
		s.streamReady = false
	}
	if s.nc == nil {
		connectTimeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
		if connectTimeout <= 0 {
			connectTimeout = defaultQueueConnectTTL
		}
		options := []nats.Option{
			nats.Name("sosalert-queue-channel"),
			nats.Timeout(connectTimeout),
		}
		if token := strings.TrimSpace(s.cfg.Token); token != "" {
			options = append(options, nats.Token(token))
		}
		nc, err := nats.Connect(s.cfg.Endpoint, options...)
		if err != nil {
			return nil, fmt.Errorf("connect queue nats: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream init for queue: %w", err)
		}
		s.nc = nc
		s.js = js
	}
	if !s.streamReady {
		if err := ensureStream(s.js, s.cfg.Stream, s.cfg.Subject); err != nil {
			return nil, err
		}
		s.streamReady = true
	}
	return s.js, nil
}

// ensureStream ensures alert stream exists.
// Params: JetStream context, stream and subject names.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     queueStreamMaxAge,
		Duplicates: queueDuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
