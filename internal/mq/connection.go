package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps the AMQP connection to the fan-out broker.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials the fan-out broker, retrying with exponential backoff,
// and ties the connection to the fx lifecycle.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("connecting to fan-out broker...")

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = amqp.Dial(url)
		if dialErr != nil {
			logger.Warn("fan-out broker dial failed, retrying", zap.Error(dialErr))
		}
		return dialErr
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to fan-out broker: %w", err)
	}

	mqConn := &Connection{conn: conn}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("fan-out broker connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close fan-out broker connection", zap.Error(err))
				return err
			}
			logger.Info("fan-out broker connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel creates a new AMQP channel.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
