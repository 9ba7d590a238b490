// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/marketflow/transport/aws"
	_ "github.com/drblury/marketflow/transport/channel"
	_ "github.com/drblury/marketflow/transport/http"
	_ "github.com/drblury/marketflow/transport/jetstream"
	_ "github.com/drblury/marketflow/transport/kafka"
	_ "github.com/drblury/marketflow/transport/nats"
	_ "github.com/drblury/marketflow/transport/postgres"
	_ "github.com/drblury/marketflow/transport/rabbitmq"
)
