package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/lektor/internal/broker"
	"github.com/book-expert/lektor/internal/config"
	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_EmbeddedServerBindsComponents(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "broker-test.log")
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.NATS.Embedded = true
	cfg.NATS.EmbeddedPort = -1
	cfg.NATS.EmbeddedStoreDir = t.TempDir()
	cfg.Synthesis.URL = "http://127.0.0.1:8000"
	require.NoError(t, cfg.Validate())

	natsBroker, err := broker.Connect(cfg.NATS, testLogger)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, natsBroker.Close())
	}()

	components, err := natsBroker.Components(cfg, testLogger)
	require.NoError(t, err)

	ctx := context.Background()

	job, err := components.Jobs.Create(ctx, core.NewJob("job-1", "doc-1", "pl-anna", "user-1", core.KindBatch, time.Now()))
	require.NoError(t, err)
	require.NoError(t, components.Queue.Publish(ctx, job.Message()))
	require.NoError(t, components.Audio.Upload(ctx, "tts/user-1/job-1/00000.mp3", []byte("ID3"), "audio/mpeg"))

	// Binding again must reuse what the first call created.
	again, err := natsBroker.Components(cfg, testLogger)
	require.NoError(t, err)

	stored, err := again.Jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, stored.Status)
}

func TestDial_UsesTheDaemonsServer(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "broker-test.log")
	require.NoError(t, err)

	daemonConfig := &config.Config{}
	daemonConfig.NATS.Embedded = true
	daemonConfig.NATS.EmbeddedPort = -1
	daemonConfig.NATS.EmbeddedStoreDir = t.TempDir()
	daemonConfig.Synthesis.URL = "http://127.0.0.1:8000"
	require.NoError(t, daemonConfig.Validate())

	daemon, err := broker.Connect(daemonConfig.NATS, testLogger)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, daemon.Close())
	}()

	daemonComponents, err := daemon.Components(daemonConfig, testLogger)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = daemonComponents.Jobs.Create(ctx, core.NewJob("job-1", "doc-1", "pl-anna", "user-1", core.KindBatch, time.Now()))
	require.NoError(t, err)

	// The client shares the daemon's configuration, including the embedded flag.
	clientConfig := *daemonConfig
	clientConfig.NATS.URL = daemon.Conn.ConnectedUrl()

	client, err := broker.Dial(clientConfig.NATS, testLogger)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, client.Close())
	}()

	assert.Equal(t, daemon.Conn.ConnectedServerId(), client.Conn.ConnectedServerId())

	clientComponents, err := client.Components(&clientConfig, testLogger)
	require.NoError(t, err)

	stored, err := clientComponents.Jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", stored.ID)
}

func TestClientURL(t *testing.T) {
	t.Parallel()

	cfg := config.NATSConfig{}
	cfg.URL = "nats://broker:4222"
	cfg.Embedded = true

	url, err := broker.ClientURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", url)

	cfg.URL = ""

	url, err = broker.ClientURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "nats://127.0.0.1:4222", url)

	cfg.EmbeddedPort = 14222

	url, err = broker.ClientURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "nats://127.0.0.1:14222", url)

	cfg.EmbeddedPort = -1

	_, err = broker.Dial(cfg, nil)
	require.ErrorIs(t, err, broker.ErrNoClientURL)
}
