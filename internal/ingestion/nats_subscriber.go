package ingestion

import (
	"NexLedger/internal/core"
	nexmath "NexLedger/internal/math"
	"NexLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	OpsStream       = "NEX_OPS"
	OpsSubjects     = "nexledger.ops.>"
	OpsConsumer     = "nexledger-intake"
	defaultNakDelay = 250 * time.Millisecond
)

// Executor runs an operation descriptor. *core.Processor satisfies it.
type Executor interface {
	Execute(ctx context.Context, op core.Operation) (core.Result, error)
}

// Message is the subset of jetstream.Msg the intake needs.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// IntakeConfig tunes the intake consumer.
type IntakeConfig struct {
	Workers    int
	MaxDeliver int
	AckWait    time.Duration
	NakDelay   time.Duration
	Currency   nexmath.DecimalConfig
}

func (c IntakeConfig) withDefaults() IntakeConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.NakDelay <= 0 {
		c.NakDelay = defaultNakDelay
	}
	if c.Currency.Scale == 0 {
		c.Currency = nexmath.CurrencyConfig
	}
	return c
}

// Intake consumes operation descriptors from JetStream and executes them
// through the processor. Messages are acked after processing; retryable
// failures are redelivered after a delay, terminal ones are acked and logged.
type Intake struct {
	exec    Executor
	cfg     IntakeConfig
	metrics *observability.Metrics
	logger  zerolog.Logger

	msgs     chan Message
	consumer jetstream.ConsumeContext
}

func NewIntake(exec Executor, cfg IntakeConfig, metrics *observability.Metrics, logger zerolog.Logger) *Intake {
	cfg = cfg.withDefaults()
	return &Intake{
		exec:    exec,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "intake").Logger(),
		msgs:    make(chan Message, cfg.Workers*16),
	}
}

// Subscribe attaches a durable explicit-ack consumer to the ops stream.
func (in *Intake) Subscribe(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, OpsStream, jetstream.ConsumerConfig{
		Durable:       OpsConsumer,
		FilterSubject: OpsSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       in.cfg.AckWait,
		MaxDeliver:    in.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", OpsConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case in.msgs <- msg:
		case <-ctx.Done():
			_ = msg.NakWithDelay(in.cfg.NakDelay)
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", OpsConsumer, err)
	}
	in.consumer = cc
	in.logger.Info().Str("subject", OpsSubjects).Str("consumer", OpsConsumer).Msg("subscribed")
	return nil
}

// Run processes queued messages on cfg.Workers goroutines until ctx ends.
func (in *Intake) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < in.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-in.msgs:
					in.Handle(ctx, msg)
				}
			}
		})
	}
	return g.Wait()
}

// Handle parses, executes and settles one message.
func (in *Intake) Handle(ctx context.Context, msg Message) {
	kind, err := KindFromSubject(msg.Subject())
	if err == nil {
		var op core.Operation
		op, err = ParseOperation(kind, msg.Data(), in.cfg.Currency)
		if err == nil {
			_, err = in.exec.Execute(ctx, op)
		}
	}
	log := in.logger.With().Str("subject", msg.Subject()).Logger()
	switch {
	case err == nil:
		in.settle(kind, "applied", msg.Ack())
	case errors.Is(err, ErrInvalidDescriptor):
		log.Warn().Err(err).Msg("malformed descriptor dropped")
		in.settle("unknown", "malformed", msg.Term())
	case core.IsRetryable(err):
		log.Debug().Err(err).Dur("delay", in.cfg.NakDelay).Msg("retryable failure, redelivering")
		in.settle(kind, "retry", msg.NakWithDelay(in.cfg.NakDelay))
	case core.Classify(err) == core.ClassInternal:
		// Balances are unchanged after an internal fault; redelivery is bounded by MaxDeliver.
		log.Error().Err(err).Msg("internal fault, redelivering")
		in.settle(kind, "fault", msg.NakWithDelay(in.cfg.NakDelay))
	default:
		log.Info().Err(err).Str("reason", core.Reason(err)).Msg("operation rejected")
		in.settle(kind, "rejected", msg.Ack())
	}
}

func (in *Intake) settle(kind, outcome string, err error) {
	if err != nil {
		in.logger.Warn().Err(err).Str("kind", kind).Str("outcome", outcome).Msg("settle message")
	}
	if in.metrics != nil {
		in.metrics.IntakeMessages.WithLabelValues(kind, outcome).Inc()
	}
}

// Stop stops the consumer; queued messages are redelivered after AckWait.
func (in *Intake) Stop() {
	if in.consumer != nil {
		in.consumer.Stop()
	}
	in.logger.Info().Msg("intake stopped")
}

// EnsureStreams creates the intake and outbound streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      OpsStream,
			Subjects:  []string{OpsSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("nexledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
