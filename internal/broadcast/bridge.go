package broadcast

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const originHeader = "Shardledger-Origin"

// Bridge carries notifications between nodes over a NATS subject, alongside
// the websocket mesh.
type Bridge struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	origin  string
	log     *zap.Logger
}

// DialBridge connects to the NATS server at url. origin identifies this node
// so its own messages are ignored when they come back on the subject.
func DialBridge(url, subject, origin string, log *zap.Logger) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("shardledger-"+origin),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bridge{nc: nc, subject: subject, origin: origin, log: log}, nil
}

// Publish sends a local notification to the subject
func (b *Bridge) Publish(text string) error {
	msg := nats.NewMsg(b.subject)
	msg.Header.Set(originHeader, b.origin)
	msg.Data = []byte(text)
	return b.nc.PublishMsg(msg)
}

// Attach subscribes to the subject and relays foreign messages into hub.
func (b *Bridge) Attach(hub *Hub) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		b.deliver(hub, m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	hub.SetPublisher(b)
	return nil
}

func (b *Bridge) deliver(hub *Hub, m *nats.Msg) {
	if m.Header.Get(originHeader) == b.origin {
		return
	}
	hub.Relay(nil, m.Data)
}

// Close unsubscribes and drains the connection
func (b *Bridge) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}
