// Package transport binds the service configuration to the transport registry.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/marketflow/internal/runtime/config"
	registry "github.com/drblury/marketflow/transport"

	// Register every built-in transport.
	_ "github.com/drblury/marketflow/transport/transports"
)

// Capabilities is an alias for the registry Capabilities.
type Capabilities = registry.Capabilities

// Transport is a built publisher/subscriber pair together with the
// capabilities the queue adapter plans around.
type Transport struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities Capabilities
}

// Close releases the publisher and subscriber connections.
func (t Transport) Close() error {
	return registry.Transport{Publisher: t.Publisher, Subscriber: t.Subscriber}.Close()
}

// Factory abstracts how the Service initialises its inbound transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the global transport registry.
func DefaultFactory() Factory {
	return defaultFactory{registry: registry.DefaultRegistry}
}

// RegistryFactory returns a factory backed by reg.
func RegistryFactory(reg *registry.Registry) Factory {
	return defaultFactory{registry: reg}
}

type defaultFactory struct {
	registry *registry.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build transport %q: %w", conf.PubSubSystem, err)
	}

	return Transport{
		Publisher:    t.Publisher,
		Subscriber:   t.Subscriber,
		Capabilities: f.registry.GetCapabilities(conf.PubSubSystem),
	}, nil
}
