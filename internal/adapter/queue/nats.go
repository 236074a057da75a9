package queue

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var _ Bus = (*NATSBus)(nil)

type NATSBus struct {
	conn *nats.Conn
	log  *zap.Logger
}

func NewNATSBus(url string, log *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", url))
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler func(data []byte) error) error {
	_, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			b.log.Error("handling message", zap.String("subject", subject), zap.Error(err))
		}
	})
	return err
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
