// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/book-expert/lektor/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-audio")
	require.NoError(t, err)

	ctx := context.Background()
	key := "tts/user-1/job-1/00000.wav"
	audio := []byte("RIFF....WAVE")

	err = store.Upload(ctx, key, audio, "audio/wav")
	require.NoError(t, err)

	downloaded, err := store.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, audio, downloaded)

	contentType, err := store.ContentType(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", contentType)

	// Binding a second time must reuse the existing bucket.
	again, err := objectstore.New(jetstreamContext, "test-audio")
	require.NoError(t, err)

	downloaded, err = again.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, audio, downloaded)
}

func TestNatsObjectStore_DownloadMissing(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-audio")
	require.NoError(t, err)

	_, err = store.Download(context.Background(), "missing")
	require.Error(t, err)
}

func TestNatsObjectStore_ComposeConcatenatesInOrder(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-audio")
	require.NoError(t, err)

	ctx := context.Background()
	large := bytes.Repeat([]byte{0xFF, 0xFB}, 300*1024)

	require.NoError(t, store.Upload(ctx, "tts/user-1/job-1/00000.mp3", []byte("first"), "audio/mpeg"))
	require.NoError(t, store.Upload(ctx, "tts/user-1/job-1/00001.mp3", large, "audio/mpeg"))
	require.NoError(t, store.Upload(ctx, "tts/user-1/job-1/00002.mp3", []byte("last"), "audio/mpeg"))

	err = store.Compose(ctx, "tts/user-1/job-1.mp3", []string{
		"tts/user-1/job-1/00000.mp3",
		"tts/user-1/job-1/00001.mp3",
		"tts/user-1/job-1/00002.mp3",
	}, "audio/mpeg")
	require.NoError(t, err)

	composed, err := store.Download(ctx, "tts/user-1/job-1.mp3")
	require.NoError(t, err)

	expected := append(append([]byte("first"), large...), []byte("last")...)
	assert.Equal(t, expected, composed)

	contentType, err := store.ContentType(ctx, "tts/user-1/job-1.mp3")
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", contentType)

	require.NoError(t, store.Compose(ctx, "tts/user-1/empty.mp3", nil, ""))

	empty, err := store.Download(ctx, "tts/user-1/empty.mp3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNatsObjectStore_ComposeMissingPart(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-audio")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "part-0", []byte("first"), "audio/mpeg"))

	err = store.Compose(ctx, "whole", []string{"part-0", "part-1"}, "audio/mpeg")
	require.Error(t, err)

	_, err = store.Download(ctx, "whole")
	require.Error(t, err)
}
