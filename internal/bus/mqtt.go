package bus

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	mqttConnectTimeout    = 30 * time.Second
	mqttOperationTimeout  = 10 * time.Second
	mqttDisconnectQuiesce = 250 // ms
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker   string // tcp://host:port
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTT carries the protocol over an MQTT broker. Subscriptions are restored by
// the connect handler after every reconnect.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    zerolog.Logger
	router *router

	mu     sync.Mutex
	topics map[string]struct{} // topics subscribed on the broker
}

func NewMQTT(ctx context.Context, opts MQTTOptions, log zerolog.Logger) (*MQTT, error) {
	b := &MQTT{
		qos:    opts.QoS,
		log:    log.With().Str("component", "mqtt").Logger(),
		router: newRouter(),
		topics: make(map[string]struct{}),
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn().Err(err).Msg("broker connection lost, reconnecting")
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	b.client = mqtt.NewClient(co)

	tok := b.client.Connect()
	if err := wait(ctx, tok, mqttConnectTimeout); err != nil {
		return nil, errors.Wrapf(err, "connect %s", opts.Broker)
	}
	b.log.Info().Str("broker", opts.Broker).Msg("connected to broker")
	return b, nil
}

// wait blocks until the token completes, ctx is done, or timeout elapses.
func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for broker")
	}
}

func (b *MQTT) onConnect(c mqtt.Client) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		tok := c.Subscribe(t, b.qos, b.onMessage)
		go func(topic string) {
			if tok.WaitTimeout(mqttOperationTimeout) && tok.Error() != nil {
				b.log.Error().Err(tok.Error()).Str("topic", topic).Msg("resubscribe failed")
			}
		}(t)
	}
}

func (b *MQTT) onMessage(_ mqtt.Client, m mqtt.Message) {
	b.router.route(Message{Topic: m.Topic(), Payload: m.Payload()})
}

func (b *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.router.isClosed() {
		return ErrClosed
	}
	tok := b.client.Publish(topic, b.qos, false, payload)
	return errors.Wrapf(wait(ctx, tok, mqttOperationTimeout), "publish %s", topic)
}

func (b *MQTT) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	s, err := b.router.add(ctx, topics)
	if err != nil {
		return nil, err
	}

	for _, t := range topics {
		b.mu.Lock()
		_, known := b.topics[t]
		b.topics[t] = struct{}{}
		b.mu.Unlock()
		if known {
			continue
		}
		tok := b.client.Subscribe(t, b.qos, b.onMessage)
		if err := wait(ctx, tok, mqttOperationTimeout); err != nil {
			b.mu.Lock()
			delete(b.topics, t)
			b.mu.Unlock()
			b.router.remove(s)
			return nil, errors.Wrapf(err, "subscribe %s", t)
		}
	}
	return s.ch, nil
}

func (b *MQTT) Close() error {
	if b.router.isClosed() {
		return nil
	}
	b.router.close()
	b.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
