package events

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultMaxReconnectWait = 30 * time.Second
)

// errClosed is returned by operations on a closed publisher or subscriber.
var errClosed = errors.New("rabbitmq client is closed")

// dial opens a connection and channel and declares the durable topic exchange.
func dial(cfg *config.RabbitMQConfig) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// durable, not auto-deleted, not internal
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll(ch, conn)
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	return conn, ch, nil
}

// closeAll closes ch then conn; either may be nil.
func closeAll(ch *amqp.Channel, conn *amqp.Connection) error {
	var err error
	if ch != nil {
		err = multierr.Append(err, ch.Close())
	}
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// backoff doubles the reconnect delay up to the configured ceiling.
type backoff struct {
	delay time.Duration
	max   time.Duration
}

func newBackoff(cfg *config.RabbitMQConfig) *backoff {
	b := &backoff{delay: defaultReconnectDelay, max: defaultMaxReconnectWait}
	if d, err := time.ParseDuration(cfg.ReconnectDelay); err == nil {
		b.delay = d
	}
	if d, err := time.ParseDuration(cfg.MaxReconnectWait); err == nil {
		b.max = d
	}
	return b
}

// next returns the delay to wait now and grows the following one.
func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay = min(b.delay*2, b.max)
	return d
}

// watchConnection calls onLost once if conn closes with an error. A graceful close is ignored.
func watchConnection(conn *amqp.Connection, logger *zap.Logger, onLost func()) {
	lost := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err := <-lost; err != nil {
			logger.Warn("RabbitMQ connection lost", zap.Error(err))
			onLost()
		}
	}()
}

// redial retries connect with backoff until it succeeds or stopped reports true.
func redial(cfg *config.RabbitMQConfig, logger *zap.Logger, stopped func() bool, connect func() error) bool {
	b := newBackoff(cfg)
	for !stopped() {
		delay := b.next()
		logger.Info("Reconnecting to RabbitMQ", zap.Duration("delay", delay))
		time.Sleep(delay)

		if err := connect(); err != nil {
			logger.Warn("Reconnection failed", zap.Error(err))
			continue
		}
		logger.Info("Reconnected to RabbitMQ")
		return true
	}
	return false
}
