package ingestion

import (
	"NexLedger/internal/core"
	"NexLedger/internal/ledger"
	"NexLedger/internal/lockdown"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventsStream    = "NEX_LEDGER_EVENTS"
	EventsSubjects  = "nexledger.events.>"
	LockdownSubject = "nexledger.events.lockdown"
)

// TransactionSubject is the outbound subject for a committed record.
func TransactionSubject(kind ledger.Kind) string {
	return "nexledger.events.transaction." + string(kind)
}

// StreamPublisher is the subset of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// TransactionEvent is the outbound payload for a committed record.
type TransactionEvent struct {
	Record          ledger.TransactionRecord `json:"record"`
	AmountFormatted string                   `json:"amount_formatted"`
}

// LockdownEvent is the outbound payload for a lockdown transition.
type LockdownEvent struct {
	Level     string    `json:"level"`
	Reason    string    `json:"reason,omitempty"`
	Initiator string    `json:"initiator,omitempty"`
	Scope     []string  `json:"scope,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

type outbound struct {
	subject string
	msgID   string
	payload interface{}
}

// Publisher forwards committed records and lockdown transitions to NATS.
// Enqueueing never blocks the processor: when the buffer is full the event
// is dropped and counted. Consumers can rebuild from the transaction history.
type Publisher struct {
	js       StreamPublisher
	queue    chan outbound
	currency nexmath.DecimalConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

var _ core.RecordPublisher = (*Publisher)(nil)

func NewPublisher(js StreamPublisher, buffer int, currency nexmath.DecimalConfig, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{
		js:       js,
		queue:    make(chan outbound, buffer),
		currency: currency,
		metrics:  metrics,
		logger:   logger.With().Str("component", "publisher").Logger(),
	}
}

// PublishRecord enqueues a committed record.
func (p *Publisher) PublishRecord(rec ledger.TransactionRecord) {
	p.enqueue(outbound{
		subject: TransactionSubject(rec.Kind),
		msgID:   rec.ID.String(),
		payload: TransactionEvent{Record: rec, AmountFormatted: nexmath.FormatAmount(rec.Amount, p.currency)},
	})
}

// PublishLockdown enqueues a lockdown transition. It has the signature
// expected by lockdown.Gate.Subscribe.
func (p *Publisher) PublishLockdown(s lockdown.State) {
	p.enqueue(outbound{
		subject: LockdownSubject,
		msgID:   uuid.NewString(),
		payload: LockdownEvent{
			Level:     s.Level.String(),
			Reason:    s.Reason,
			Initiator: s.Initiator,
			Scope:     s.Scope,
			Since:     s.ActivatedAt,
		},
	})
}

func (p *Publisher) enqueue(o outbound) {
	select {
	case p.queue <- o:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Str("subject", o.subject).Msg("publish buffer full, event dropped")
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-p.queue:
			if err := p.publish(ctx, o); err != nil {
				p.logger.Warn().Err(err).Str("subject", o.subject).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, o outbound) error {
	data, err := json.Marshal(o.payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, o.subject, data, jetstream.WithMsgID(o.msgID)); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.PublishedEvents.WithLabelValues(o.subject).Inc()
	}
	return nil
}
