package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	goSession "github.com/ngthtrong/goSession"
)

const (
	eventTypeHeader = "event-type"
	reuseEventType  = "refresh_reuse_detected"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config selects brokers and topics. AuditTopic is optional; without it
// Emit drops audit events.
type Config struct {
	Brokers      []string
	ReuseTopic   string
	AuditTopic   string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Publisher writes reuse notices and audit events as JSON messages keyed by
// user id, so that one user's events stay ordered within a partition.
type Publisher struct {
	writer       Writer
	reuseTopic   string
	auditTopic   string
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New dials nothing; kafka-go connects lazily on the first write.
func New(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.ReuseTopic == "" {
		return nil, errors.New("kafka: reuse topic required")
	}

	// Topic stays empty on the writer; each message names its own.
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
	}
	return NewWithWriter(w, cfg), nil
}

// NewWithWriter wraps an existing writer. The writer must not have a fixed
// Topic, because messages carry theirs.
func NewWithWriter(w Writer, cfg Config) *Publisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer:       w,
		reuseTopic:   cfg.ReuseTopic,
		auditTopic:   cfg.AuditTopic,
		writeTimeout: timeout,
		logger:       logger,
	}
}

type reuseMessage struct {
	Type   string                `json:"type"`
	Notice goSession.ReuseNotice `json:"notice"`
}

// NotifyReuse publishes notice to the reuse topic. Downstream consumers
// send the user a "was this you" email.
func (p *Publisher) NotifyReuse(ctx context.Context, notice goSession.ReuseNotice) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(reuseMessage{Type: reuseEventType, Notice: notice})
	if err != nil {
		return err
	}
	return p.write(ctx, kafkago.Message{
		Topic:   p.reuseTopic,
		Key:     []byte(notice.UserID),
		Value:   payload,
		Headers: []kafkago.Header{{Key: eventTypeHeader, Value: []byte(reuseEventType)}},
		Time:    notice.DetectedAt,
	})
}

// Emit implements goSession.AuditSink. Failures are logged.
func (p *Publisher) Emit(ctx context.Context, event goSession.AuditEvent) {
	if p == nil || p.writer == nil || p.auditTopic == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("kafka: audit encode failed", "event_type", event.EventType, "error", err)
		return
	}
	err = p.write(ctx, kafkago.Message{
		Topic:   p.auditTopic,
		Key:     []byte(event.UserID),
		Value:   payload,
		Headers: []kafkago.Header{{Key: eventTypeHeader, Value: []byte(event.EventType)}},
		Time:    event.Timestamp,
	})
	if err != nil {
		p.logger.Warn("kafka: audit publish failed", "event_type", event.EventType, "error", err)
	}
}

func (p *Publisher) write(ctx context.Context, msg kafkago.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}

// Close flushes and closes the writer. Safe to call more than once.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.closeErr = p.writer.Close()
	})
	return p.closeErr
}
