package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
)

// Publisher provides event publishing to RabbitMQ.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event interface{}) error

	// PublishRunStarted publishes a run started event.
	PublishRunStarted(run *domain.Run) error

	// PublishRunFinished publishes run.completed or run.stopped depending on the run's status.
	PublishRunFinished(run *domain.Run) error

	// PublishIterationPlanned publishes the planned windows of a run.
	PublishIterationPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration) error

	// PublishJobDispatched publishes a job dispatched event.
	PublishJobDispatched(job *domain.Job) error

	// PublishJobRunning publishes a job running event.
	PublishJobRunning(job *domain.Job) error

	// PublishJobCompleted publishes a job completed event.
	PublishJobCompleted(job *domain.Job) error

	// PublishJobFailed publishes a job failed event.
	PublishJobFailed(job *domain.Job, errMsg string) error

	// PublishParametersPromoted publishes a promotion of in-sample winners.
	PublishParametersPromoted(job *domain.Job, score decimal.Decimal) error

	// Close closes the publisher connection.
	Close() error
}

// RabbitMQPublisher publishes JSON events to a topic exchange and reconnects with
// backoff when the broker drops the connection.
type RabbitMQPublisher struct {
	config *config.RabbitMQConfig
	logger *zap.Logger

	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	closed       bool
	reconnecting bool
}

// NewRabbitMQPublisher connects to the broker in cfg.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		config: cfg,
		logger: logger.With(zap.String("exchange", cfg.Exchange)),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errClosed
	}
	conn, ch, err := dial(p.config)
	if err != nil {
		return err
	}
	p.conn, p.channel = conn, ch
	watchConnection(conn, p.logger, p.reconnect)

	p.logger.Info("Publisher connected to RabbitMQ")
	return nil
}

func (p *RabbitMQPublisher) reconnect() {
	p.mu.Lock()
	if p.closed || p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.channel = nil
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	redial(p.config, p.logger, p.isClosed, p.connect)
}

func (p *RabbitMQPublisher) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	p.mu.RLock()
	closed, channel := p.closed, p.channel
	p.mu.RUnlock()

	switch {
	case closed:
		return errClosed
	case channel == nil:
		return fmt.Errorf("channel not available while reconnecting")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// not mandatory, not immediate
	err = channel.PublishWithContext(ctx, p.config.Exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	return nil
}

// PublishRunStarted publishes a run started event.
func (p *RabbitMQPublisher) PublishRunStarted(run *domain.Run) error {
	err := p.Publish(context.Background(), RoutingKeyRunStarted, NewRunStartedEvent(run))
	if err != nil {
		p.logger.Error("Failed to publish run.started event",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	} else {
		p.logger.Info("Published run.started event",
			zap.String("run_id", run.ID.String()),
			zap.String("routing_key", RoutingKeyRunStarted))
	}
	return err
}

// PublishRunFinished publishes run.completed or run.stopped.
func (p *RabbitMQPublisher) PublishRunFinished(run *domain.Run) error {
	event := NewRunFinishedEvent(run)
	return p.Publish(context.Background(), event.EventType, event)
}

// PublishIterationPlanned publishes the planned windows of a run.
func (p *RabbitMQPublisher) PublishIterationPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration) error {
	event := NewIterationPlannedEvent(runID, windows, took)
	return p.Publish(context.Background(), RoutingKeyIterationPlanned, event)
}

// PublishJobDispatched publishes a job dispatched event.
func (p *RabbitMQPublisher) PublishJobDispatched(job *domain.Job) error {
	event := NewJobEvent(EventTypeJobDispatched, job)
	return p.Publish(context.Background(), RoutingKeyJobDispatched, event)
}

// PublishJobRunning publishes a job running event.
func (p *RabbitMQPublisher) PublishJobRunning(job *domain.Job) error {
	event := NewJobEvent(EventTypeJobRunning, job)
	return p.Publish(context.Background(), RoutingKeyJobRunning, event)
}

// PublishJobCompleted publishes a job completed event.
func (p *RabbitMQPublisher) PublishJobCompleted(job *domain.Job) error {
	event := NewJobEvent(EventTypeJobCompleted, job)
	return p.Publish(context.Background(), RoutingKeyJobCompleted, event)
}

// PublishJobFailed publishes a job failed event.
func (p *RabbitMQPublisher) PublishJobFailed(job *domain.Job, errMsg string) error {
	event := NewJobEvent(EventTypeJobFailed, job)
	event.Error = errMsg
	return p.Publish(context.Background(), RoutingKeyJobFailed, event)
}

// PublishParametersPromoted publishes a promotion of in-sample winners.
func (p *RabbitMQPublisher) PublishParametersPromoted(job *domain.Job, score decimal.Decimal) error {
	event := NewParametersPromotedEvent(job, score)
	return p.Publish(context.Background(), RoutingKeyParametersPromoted, event)
}

// Close closes the channel and connection. Further publishes fail.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := closeAll(p.channel, p.conn); err != nil {
		return fmt.Errorf("errors closing publisher: %w", err)
	}
	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	return nil
}

func (p *NoOpPublisher) PublishRunStarted(run *domain.Run) error {
	return nil
}

func (p *NoOpPublisher) PublishRunFinished(run *domain.Run) error {
	return nil
}

func (p *NoOpPublisher) PublishIterationPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration) error {
	return nil
}

func (p *NoOpPublisher) PublishJobDispatched(job *domain.Job) error {
	return nil
}

func (p *NoOpPublisher) PublishJobRunning(job *domain.Job) error {
	return nil
}

func (p *NoOpPublisher) PublishJobCompleted(job *domain.Job) error {
	return nil
}

func (p *NoOpPublisher) PublishJobFailed(job *domain.Job, errMsg string) error {
	return nil
}

func (p *NoOpPublisher) PublishParametersPromoted(job *domain.Job, score decimal.Decimal) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// Ensure interface compliance
var _ Publisher = (*RabbitMQPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
