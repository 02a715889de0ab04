// Package eventbus publishes action lifecycle events to Kafka so downstream
// consumers (audit, notification, reporting) see every persisted state change.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"opsguard/pkg/actionfsm"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

const publishQueueSize = 256

// Publisher is a fire-and-forget lifecycle event sink. Events are handed to a
// background worker so publishing never blocks a request; when the queue is
// full the event is dropped and logged. Publish failures are logged, never
// surfaced: the bus must not be able to fail an execution.
type Publisher struct {
	writer    kafkaWriter
	timeout   time.Duration
	queue     chan kafka.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewKafkaPublisher(cfg KafkaConfig) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newPublisher(w, 5*time.Second), nil
}

func newPublisher(w kafkaWriter, timeout time.Duration) *Publisher {
	p := &Publisher{
		writer:  w,
		timeout: timeout,
		queue:   make(chan kafka.Message, publishQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			log.Printf("eventbus: publish for action %s: %v", msg.Key, err)
		}
		cancel()
	}
}

type lifecycleEnvelope struct {
	Type           string `json:"type"`
	At             string `json:"at"`
	ActionID       string `json:"action_id"`
	Tenant         string `json:"tenant"`
	RunID          string `json:"run_id,omitempty"`
	ActionType     string `json:"action_type"`
	Status         string `json:"status"`
	RollbackStatus string `json:"rollback_status"`
}

// PublishActionEvent satisfies the orchestrator's Events contract: it only
// enqueues. Messages are keyed by action id so one record's events stay
// ordered per partition.
func (p *Publisher) PublishActionEvent(ctx context.Context, eventType string, rec *actionfsm.ActionRecord) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(lifecycleEnvelope{
		Type:           eventType,
		At:             time.Now().UTC().Format(time.RFC3339Nano),
		ActionID:       rec.ID,
		Tenant:         rec.Tenant,
		RunID:          rec.RunID,
		ActionType:     rec.ActionType,
		Status:         rec.Status,
		RollbackStatus: rec.RollbackStatus,
	})
	if err != nil {
		log.Printf("eventbus: marshal %s for action %s: %v", eventType, rec.ID, err)
		return
	}
	select {
	case p.queue <- kafka.Message{Key: []byte(rec.ID), Value: payload}:
	default:
		log.Printf("eventbus: queue full, dropped %s for action %s", eventType, rec.ID)
	}
}

// Close stops the worker after draining queued events, then closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		close(p.queue)
	})
	<-p.done
	return p.writer.Close()
}
