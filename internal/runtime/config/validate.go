package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that the configuration has all required fields for the
// selected transport and sink, and that engine tuning values are sane.
// Validation of the transport name is lenient to allow custom transport factories.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.InputTopic) == "" {
		errs = append(errs, errors.New("queue: input topic is required"))
	}
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateOutput()...)
	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

// validateTransport checks transport-specific required fields.
func (c *Config) validateTransport() []error {
	switch strings.ToLower(c.PubSubSystem) {
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return []error{errors.New("kafka: brokers are required")}
		}
	case "rabbitmq":
		if c.GetRabbitMQURL() == "" {
			return []error{errors.New("rabbitmq: URL or host is required")}
		}
	case "nats", "nats-jetstream":
		if c.NATSURL == "" {
			return []error{errors.New("nats: URL is required")}
		}
	case "aws", "sqs":
		if c.AWSRegion == "" {
			return []error{errors.New("aws: region is required")}
		}
	case "postgres":
		if c.PostgresURL == "" {
			return []error{errors.New("postgres: URL is required")}
		}
	case "http":
		if c.HTTPServerAddress == "" {
			return []error{errors.New("http: server address is required")}
		}
	}
	// channel, gochannel, "" and custom transports have no required config
	return nil
}

func (c *Config) validateOutput() []error {
	o := c.Output
	switch strings.ToLower(o.Mode) {
	case "queue":
		if o.Topic == "" {
			return []error{errors.New("output: topic is required for queue mode")}
		}
	case "rest":
		if o.RESTURL == "" {
			return []error{errors.New("output: REST URL is required for rest mode")}
		}
	case "database":
		if o.DatabaseURL == "" {
			return []error{errors.New("output: database URL is required for database mode")}
		}
	case "s3":
		if o.S3Bucket == "" {
			return []error{errors.New("output: S3 bucket is required for s3 mode")}
		}
	case "log", "stdout":
	default:
		return []error{fmt.Errorf("output: unknown mode %q", o.Mode)}
	}
	if o.DedupRedisAddr != "" && o.DedupTTL <= 0 {
		return []error{errors.New("output: dedup TTL must be positive")}
	}
	return nil
}

func (c *Config) validateEngine() []error {
	var errs []error
	e := c.Engine
	if e.WorkerCount < 1 {
		errs = append(errs, errors.New("engine: worker count must be at least 1"))
	}
	if e.MaxAttempts < 1 {
		errs = append(errs, errors.New("engine: max attempts must be at least 1"))
	}
	if e.BackoffBase < 0 {
		errs = append(errs, errors.New("engine: backoff base cannot be negative"))
	}
	if e.BackoffCap < 0 {
		errs = append(errs, errors.New("engine: backoff cap cannot be negative"))
	}
	if e.BackoffCap > 0 && e.BackoffBase > e.BackoffCap {
		errs = append(errs, errors.New("engine: backoff base cannot exceed backoff cap"))
	}
	if e.BackoffJitter < 0 || e.BackoffJitter > 1 {
		errs = append(errs, errors.New("engine: backoff jitter must be within [0, 1]"))
	}
	if e.ProcessorTimeout < 0 || e.MessageTimeout < 0 {
		errs = append(errs, errors.New("engine: timeouts cannot be negative"))
	}
	if e.ClockSkewTolerance < 0 {
		errs = append(errs, errors.New("engine: clock skew tolerance cannot be negative"))
	}
	if e.ShutdownGrace < 0 {
		errs = append(errs, errors.New("engine: shutdown grace cannot be negative"))
	}
	if e.RateLimit < 0 {
		errs = append(errs, errors.New("engine: rate limit cannot be negative"))
	}
	if c.QueueSubscriptions < 0 {
		errs = append(errs, errors.New("queue: subscriptions cannot be negative"))
	}
	return errs
}

// validatePorts checks port configuration values.
func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		errs = append(errs, fmt.Errorf("status: invalid port %d", c.StatusPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
