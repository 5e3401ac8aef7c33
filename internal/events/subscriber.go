package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/domain"
)

// EventHandler is a function that processes received events.
type EventHandler func(routingKey string, body []byte) error

// Subscriber provides event subscription from RabbitMQ.
type Subscriber interface {
	// Subscribe starts consuming messages from RabbitMQ.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close closes the subscriber connection.
	Close() error
}

// RabbitMQSubscriber consumes a durable queue bound to the exchange. Bindings and the
// consumer are restored after a reconnect.
type RabbitMQSubscriber struct {
	config *config.RabbitMQConfig
	queue  string
	logger *zap.Logger

	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	closed       bool
	reconnecting bool
	handler      EventHandler
	routingKeys  []string
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewRabbitMQSubscriber connects to the broker in cfg and declares queueName.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, queueName string, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	s := &RabbitMQSubscriber{
		config: cfg,
		queue:  queueName,
		logger: logger.With(zap.String("exchange", cfg.Exchange), zap.String("queue", queueName)),
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RabbitMQSubscriber) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	conn, ch, err := dial(s.config)
	if err != nil {
		return err
	}
	if err := s.setup(ch); err != nil {
		closeAll(ch, conn)
		return err
	}
	s.conn, s.channel = conn, ch
	watchConnection(conn, s.logger, s.reconnect)

	s.logger.Info("Subscriber connected to RabbitMQ")
	return nil
}

// setup declares the queue, restores bindings and sets the prefetch window.
// Must be called with s.mu held.
func (s *RabbitMQSubscriber) setup(ch *amqp.Channel) error {
	// durable so engine results survive a backend restart; not auto-deleted, not exclusive
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := s.bind(ch, s.routingKeys); err != nil {
		return err
	}

	prefetch := s.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (s *RabbitMQSubscriber) bind(ch *amqp.Channel, routingKeys []string) error {
	for _, key := range routingKeys {
		if err := ch.QueueBind(s.queue, key, s.config.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to routing key %s: %w", key, err)
		}
	}
	return nil
}

func (s *RabbitMQSubscriber) reconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.channel = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	if !redial(s.config, s.logger, s.isClosed, s.connect) {
		return
	}

	s.mu.RLock()
	ctx, handler := s.ctx, s.handler
	s.mu.RUnlock()
	if handler != nil {
		go s.consume(ctx, handler)
	}
}

func (s *RabbitMQSubscriber) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Subscribe binds routingKeys and hands every delivery to handler until ctx ends or the
// subscriber is closed.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if err := s.bind(s.channel, routingKeys); err != nil {
		s.mu.Unlock()
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.handler = handler
	s.routingKeys = append(s.routingKeys, routingKeys...)
	consumeCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Subscribed to routing keys", zap.Strings("routing_keys", routingKeys))

	go s.consume(consumeCtx, handler)
	return nil
}

func (s *RabbitMQSubscriber) consume(ctx context.Context, handler EventHandler) {
	s.mu.RLock()
	channel := s.channel
	s.mu.RUnlock()
	if channel == nil {
		return
	}

	// manual acks, not exclusive
	msgs, err := channel.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		s.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}
	s.logger.Info("Consuming engine results")

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.logger.Info("Delivery channel closed")
				return
			}
			s.handle(msg, handler)
		case <-ctx.Done():
			return
		}
	}
}

// handle acks processed messages, drops undecodable ones and requeues handler failures.
func (s *RabbitMQSubscriber) handle(msg amqp.Delivery, handler EventHandler) {
	logger := s.logger.With(zap.String("routing_key", msg.RoutingKey))

	if !json.Valid(msg.Body) {
		logger.Warn("Dropping message with invalid JSON body", zap.Int("body_size", len(msg.Body)))
		msg.Nack(false, false)
		return
	}

	if err := handler(msg.RoutingKey, msg.Body); err != nil {
		logger.Error("Failed to handle message, requeueing", zap.Error(err))
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

// Close stops consumption and closes the channel and connection.
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}

	if err := closeAll(s.channel, s.conn); err != nil {
		return fmt.Errorf("errors closing subscriber: %w", err)
	}
	s.logger.Info("RabbitMQ subscriber closed")
	return nil
}

// NoOpSubscriber is a subscriber that does nothing (for testing or when events disabled).
type NoOpSubscriber struct{}

// NewNoOpSubscriber creates a new no-op subscriber.
func NewNoOpSubscriber() *NoOpSubscriber {
	return &NoOpSubscriber{}
}

func (s *NoOpSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	return nil
}

func (s *NoOpSubscriber) Close() error {
	return nil
}

// Ensure interface compliance
var _ Subscriber = (*RabbitMQSubscriber)(nil)
var _ Subscriber = (*NoOpSubscriber)(nil)

// ResultSink receives signals for a run.
type ResultSink interface {
	Deliver(ctx context.Context, runID uuid.UUID, signal domain.Signal) error
}

// NewEngineResultHandler routes engine.result messages to sink. Messages
// for runs that are no longer active are acknowledged and dropped; any
// other delivery error requeues the message.
func NewEngineResultHandler(ctx context.Context, sink ResultSink, logger *zap.Logger) EventHandler {
	return func(routingKey string, body []byte) error {
		if routingKey != RoutingKeyEngineResult {
			logger.Debug("Ignoring event", zap.String("routing_key", routingKey))
			return nil
		}

		result, err := DecodeEngineResult(body)
		if err != nil {
			// Redelivery cannot fix a malformed message
			logger.Warn("Dropping malformed engine result", zap.Error(err))
			return nil
		}

		signal := result.Signal()
		err = sink.Deliver(ctx, result.RunID, signal)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrRunNotActive), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput):
			logger.Warn("Dropping engine result",
				zap.String("run_id", result.RunID.String()),
				zap.Int64("job_id", result.JobID),
				zap.String("signal", domain.SignalName(signal)),
				zap.Error(err),
			)
			return nil
		default:
			return err
		}
	}
}
