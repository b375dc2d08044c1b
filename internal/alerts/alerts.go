// Package alerts forwards severe analysis results to downstream consumers.
//
// A Publisher filters results by a minimum action and hands the survivors to
// a Sink. KafkaSink writes one message per alert keyed by the suspect
// address; LogSink writes them to the structured log when no broker is
// configured.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/poisonguard/internal/circuitbreaker"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/idgen"
	"github.com/mbd888/poisonguard/internal/metrics"
	"github.com/mbd888/poisonguard/internal/retry"
	"github.com/mbd888/poisonguard/internal/risk"
)

// Alert is the wire form of one flagged transaction.
type Alert struct {
	ID               string          `json:"id"`
	Workspace        string          `json:"workspace,omitempty"`
	CounterpartyAddr string          `json:"counterpartyAddr"`
	AnchorAddr       string          `json:"anchorAddr,omitempty"`
	CAIP2            string          `json:"caip2"`
	Action           decision.Action `json:"action"`
	Level            string          `json:"level"`
	Confidence       float64         `json:"confidence"`
	S1               float64         `json:"s1"`
	S2               float64         `json:"s2"`
	S3               float64         `json:"s3"`
	DetectedAt       time.Time       `json:"detectedAt"`
}

// FromResult builds an alert for a workspace result.
func FromResult(workspace string, r risk.Result, at time.Time) Alert {
	a := Alert{
		ID:               idgen.WithPrefix(idgen.PrefixAlert),
		Workspace:        workspace,
		CounterpartyAddr: r.Transaction.CounterpartyAddr,
		CAIP2:            r.Transaction.CAIP2,
		Action:           r.Decision.Action,
		Level:            r.Decision.Level,
		Confidence:       r.Decision.Confidence,
		S1:               r.S1,
		S2:               r.S2,
		S3:               r.S3,
		DetectedAt:       at.UTC(),
	}
	if r.Anchor != nil {
		a.AnchorAddr = r.Anchor.AnchorToAddr
	}
	return a
}

// Sink delivers alerts.
type Sink interface {
	Publish(ctx context.Context, alerts []Alert) error
	Close() error
}

// KafkaSink publishes alerts to a Kafka topic.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka alert topic is empty")
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers")
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Producer.Retry.Max = 5
		cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	}
	// SyncProducer requires both.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{topic: topic, p: p}
}

// Publish sends the alerts as one batch. The producer does not accept a
// context, so ctx is only checked before sending.
func (s *KafkaSink) Publish(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(alerts))
	for _, a := range alerts {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode alert %s: %w", a.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(a.CounterpartyAddr),
			Value: sarama.ByteEncoder(b),
			Headers: []sarama.RecordHeader{
				{Key: []byte("action"), Value: []byte(a.Action)},
			},
		})
	}
	if err := s.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// LogSink writes alerts to a logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, alerts []Alert) error {
	for _, a := range alerts {
		s.logger.WarnContext(ctx, "poisoning alert",
			"workspace", a.Workspace,
			"counterparty", a.CounterpartyAddr,
			"anchor", a.AnchorAddr,
			"caip2", a.CAIP2,
			"action", a.Action,
			"confidence", a.Confidence,
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// Publisher filters results by severity and forwards them to a sink.
// Failed deliveries are retried; repeated failures open a circuit breaker
// that sheds alerts until the sink recovers.
type Publisher struct {
	sink      Sink
	minAction decision.Action
	backoff   retry.Backoff
	breaker   *circuitbreaker.Breaker
	now       func() time.Time
}

// NewPublisher creates a publisher that forwards results whose action is at
// least minAction, using retry.Default and no breaker.
func NewPublisher(sink Sink, minAction decision.Action) *Publisher {
	return &Publisher{sink: sink, minAction: minAction, backoff: retry.Default, now: time.Now}
}

// WithRetry overrides the delivery retry schedule.
func (p *Publisher) WithRetry(b retry.Backoff) *Publisher {
	p.backoff = b
	return p
}

// WithBreaker guards the sink with b.
func (p *Publisher) WithBreaker(b *circuitbreaker.Breaker) *Publisher {
	p.breaker = b
	return p
}

// Notify publishes alerts for the qualifying results and returns how many
// were sent.
func (p *Publisher) Notify(ctx context.Context, workspace string, results []risk.Result) (int, error) {
	severe := risk.Filter(results, p.minAction)
	if len(severe) == 0 {
		return 0, nil
	}

	at := p.now()
	batch := make([]Alert, 0, len(severe))
	for _, r := range severe {
		batch = append(batch, FromResult(workspace, r, at))
	}

	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			metrics.AlertsPublishedTotal.WithLabelValues("shed").Add(float64(len(batch)))
			return 0, fmt.Errorf("alert sink: %w", err)
		}
	}
	err := retry.Do(ctx, p.backoff,
		func(int, error) { metrics.AlertRetriesTotal.Inc() },
		func(ctx context.Context) error { return p.sink.Publish(ctx, batch) },
	)
	if p.breaker != nil {
		p.breaker.Record(err)
	}
	if err != nil {
		metrics.AlertsPublishedTotal.WithLabelValues("error").Add(float64(len(batch)))
		return 0, err
	}
	metrics.AlertsPublishedTotal.WithLabelValues("ok").Add(float64(len(batch)))
	return len(batch), nil
}

// Close releases the sink.
func (p *Publisher) Close() error {
	return p.sink.Close()
}
