package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/pitabwire/portal/model"
)

// EventTypeSubmitted is the type of the event emitted after a submission.
const EventTypeSubmitted = "registration.submitted"

// SubmittedEvent announces a new registration to the back office.
type SubmittedEvent struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	OwnerID     string    `json:"owner_id"`
	ReferenceID string    `json:"reference_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewSubmittedEvent builds the event for a result.
func NewSubmittedEvent(ownerID string, res model.SubmissionResult) SubmittedEvent {
	return SubmittedEvent{
		EventID:     uuid.NewString(),
		Type:        EventTypeSubmitted,
		OwnerID:     ownerID,
		ReferenceID: res.ReferenceID,
		Status:      res.Status,
		SubmittedAt: res.SubmittedAt,
	}
}

// Publisher delivers submission events.
type Publisher interface {
	Publish(ctx context.Context, evt SubmittedEvent) error
}

// LogPublisher writes events to the log. It is the default when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event at info.
func (p *LogPublisher) Publish(_ context.Context, evt SubmittedEvent) error {
	p.logger.Info("registration event",
		zap.String("event_id", evt.EventID),
		zap.String("type", evt.Type),
		zap.String("owner_id", evt.OwnerID),
		zap.String("reference_id", evt.ReferenceID),
	)
	return nil
}

// Producer is the subset of *kgo.Client the Kafka publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher produces events to a Kafka topic keyed by owner so that all
// events for one owner land on the same partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

// NewKafkaPublisher wraps a producer.
func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// NewKafkaClient creates a franz-go client for brokers.
func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return cl, nil
}

// EnsureTopic creates topic when it does not exist.
func EnsureTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int32, replication int16) error {
	adm := kadm.NewClient(cl)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// HealthCheck pings the brokers when the producer supports it.
func (p *KafkaPublisher) HealthCheck(ctx context.Context) error {
	pinger, ok := p.producer.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

// Publish produces the event and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, evt SubmittedEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(evt.OwnerID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "event_id", Value: []byte(evt.EventID)},
		},
	}
	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", p.topic, err)
	}
	return nil
}
