package bus

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"consensus-mining/internal/config"
)

// Open connects the backend selected by cfg.Bus. clientID names this process
// towards the broker.
func Open(ctx context.Context, cfg config.Config, clientID string, log zerolog.Logger) (Bus, error) {
	switch cfg.Bus {
	case config.BusMQTT:
		user, pass := cfg.Credentials()
		return NewMQTT(ctx, MQTTOptions{
			Broker:   cfg.BrokerAddress(),
			ClientID: clientID,
			Username: user,
			Password: pass,
			QoS:      cfg.MQTTQoS,
		}, log)
	case config.BusP2P:
		return NewP2P(ctx, cfg.P2PListen, cfg.P2PServiceTag, log)
	case config.BusInproc:
		return NewInproc(WithInprocLogger(log))
	default:
		return nil, errors.Errorf("unsupported bus: %s", cfg.Bus)
	}
}
