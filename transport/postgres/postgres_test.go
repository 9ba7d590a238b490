package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/marketflow/transport"
	"github.com/drblury/marketflow/transport/transporttest"
)

func TestRegisteredOnInit(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "postgres", caps.Name)
	assert.True(t, caps.SupportsNativeDelay())
	assert.Equal(t, MetadataDelay, caps.DelayMetadataKey)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsCompetingConsumers)

	assert.Equal(t, "postgres", transport.GetCapabilities("postgresql").Name)
}

func TestTransportImplementsOptionalInterfaces(t *testing.T) {
	var tr any = &Transport{}
	_, ok := tr.(transport.DelayedPublisher)
	assert.True(t, ok)
	_, ok = tr.(transport.DeadLetterPublisher)
	assert.True(t, ok)
	_, ok = tr.(transport.DLQManager)
	assert.True(t, ok)
	_, ok = tr.(transport.DLQLister)
	assert.True(t, ok)
	_, ok = tr.(transport.QueueIntrospector)
	assert.True(t, ok)
	_, ok = tr.(transport.CapabilitiesProvider)
	assert.True(t, ok)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultPollInterval, result.PollInterval)
		assert.Equal(t, DefaultLockTimeout, result.LockTimeout)
		assert.Equal(t, DefaultNackDelay, result.NackDelay)
		assert.Equal(t, DefaultSchema, result.SchemaName)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			ConnectionString: "postgres://localhost:5432/test",
			PollInterval:     200 * time.Millisecond,
			LockTimeout:      time.Minute,
			SchemaName:       "custom",
		}
		result := cfg.withDefaults()

		assert.Equal(t, cfg.ConnectionString, result.ConnectionString)
		assert.Equal(t, cfg.PollInterval, result.PollInterval)
		assert.Equal(t, cfg.LockTimeout, result.LockTimeout)
		assert.Equal(t, "custom", result.SchemaName)
	})
}

func TestConfig_validate(t *testing.T) {
	assert.Error(t, Config{SchemaName: "ok"}.validate())
	assert.NoError(t, Config{ConnectionString: "postgres://x", SchemaName: "queue_1"}.validate())

	err := Config{ConnectionString: "postgres://x", SchemaName: "bad; DROP TABLE x"}.validate()
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestMessageDelay(t *testing.T) {
	msg := message.NewMessage("m", nil)
	assert.Zero(t, MessageDelay(msg))

	msg.Metadata.Set(MetadataDelay, "1500")
	assert.Equal(t, 1500*time.Millisecond, MessageDelay(msg))

	msg.Metadata.Set(MetadataDelay, "soon")
	assert.Zero(t, MessageDelay(msg))

	msg.Metadata.Set(MetadataDelay, "-5")
	assert.Zero(t, MessageDelay(msg))
}

func TestBuild_RequiresConnectionString(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string")
}

func TestNew_OpenFailure(t *testing.T) {
	original := OpenDB
	defer func() { OpenDB = original }()

	OpenDB = func(string) (*sql.DB, error) { return nil, errors.New("no driver") }

	_, err := New(context.Background(), Config{ConnectionString: "postgres://x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no driver")
}
