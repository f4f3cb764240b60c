// Package broker connects to NATS, optionally starting an embedded JetStream
// server, and binds every stream, bucket and subject lektor uses.
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/lektor/internal/config"
	"github.com/book-expert/lektor/internal/notify"
	"github.com/book-expert/lektor/internal/objectstore"
	"github.com/book-expert/lektor/internal/queue"
	"github.com/book-expert/lektor/internal/store"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	embeddedReadyTimeout = 10 * time.Second
	embeddedHost         = "127.0.0.1"
	connectionName       = "lektor"
)

var (
	// ErrEmbeddedNotReady indicates that the embedded server did not start in time.
	ErrEmbeddedNotReady = errors.New("embedded NATS server not ready")
	// ErrNoClientURL indicates a configuration that names no server to dial.
	ErrNoClientURL = errors.New("no NATS url to dial: set nats.url or a fixed nats.embedded_port")
)

// Broker is an open NATS connection with JetStream.
type Broker struct {
	Conn      *nats.Conn
	JetStream nats.JetStreamContext
	embedded  *server.Server
}

// Components are the NATS-backed collaborators of the pipeline.
type Components struct {
	Jobs     *store.JobKV
	Segments *store.SegmentKV
	Queue    *queue.Queue
	Audio    *objectstore.NatsObjectStore
	Notifier *notify.Publisher
}

// Connect opens the broker connection described by cfg. With nats.embedded
// set it hosts the JetStream server itself, so only the daemon calls it.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Broker, error) {
	if !cfg.Embedded {
		return connect(cfg.URL, nil, log)
	}

	embedded, err := startEmbedded(cfg)
	if err != nil {
		return nil, err
	}

	log.System("Embedded NATS server listening on %s", embedded.ClientURL())

	return connect(embedded.ClientURL(), embedded, log)
}

// Dial connects to a running server and never starts one. Without nats.url
// it dials the fixed port of the daemon's embedded server on the local host.
func Dial(cfg config.NATSConfig, log *logger.Logger) (*Broker, error) {
	url, err := ClientURL(cfg)
	if err != nil {
		return nil, err
	}

	return connect(url, nil, log)
}

// ClientURL is the address a client dials to reach the configured server.
func ClientURL(cfg config.NATSConfig) (string, error) {
	switch {
	case cfg.URL != "":
		return cfg.URL, nil
	case cfg.Embedded && cfg.EmbeddedPort == 0:
		return fmt.Sprintf("nats://%s:%d", embeddedHost, server.DEFAULT_PORT), nil
	case cfg.Embedded && cfg.EmbeddedPort > 0:
		return fmt.Sprintf("nats://%s:%d", embeddedHost, cfg.EmbeddedPort), nil
	default:
		return "", ErrNoClientURL
	}
}

func connect(url string, embedded *server.Server, log *logger.Logger) (*Broker, error) {
	natsConnection, err := nats.Connect(url,
		nats.Name(connectionName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disconnectErr error) {
			if disconnectErr != nil {
				log.Warn("Disconnected from NATS: %v", disconnectErr)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("Reconnected to NATS at %s", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		shutdown(embedded)

		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()
		shutdown(embedded)

		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Broker{Conn: natsConnection, JetStream: jetstreamContext, embedded: embedded}, nil
}

func startEmbedded(cfg config.NATSConfig) (*server.Server, error) {
	natsServer, err := server.NewServer(&server.Options{
		Host:      embeddedHost,
		Port:      cfg.EmbeddedPort,
		JetStream: true,
		StoreDir:  cfg.EmbeddedStoreDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go natsServer.Start()

	if !natsServer.ReadyForConnections(embeddedReadyTimeout) {
		natsServer.Shutdown()

		return nil, ErrEmbeddedNotReady
	}

	return natsServer, nil
}

func shutdown(embedded *server.Server) {
	if embedded != nil {
		embedded.Shutdown()
	}
}

// Close drains the connection and stops the embedded server, if any.
func (b *Broker) Close() error {
	err := b.Conn.Drain()

	shutdown(b.embedded)

	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	return nil
}

// Components creates or binds every stream and bucket named in cfg.
func (b *Broker) Components(cfg *config.Config, log *logger.Logger) (*Components, error) {
	jobs, err := store.NewJobKV(b.JetStream, cfg.NATS.JobsBucket)
	if err != nil {
		return nil, err
	}

	segments, err := store.NewSegmentKV(b.JetStream, cfg.NATS.SegmentsBucket)
	if err != nil {
		return nil, err
	}

	audio, err := objectstore.New(b.JetStream, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	jobQueue, err := queue.New(b.JetStream, queue.Config{
		StreamName:   cfg.NATS.JobStreamName,
		Subject:      cfg.NATS.JobSubject,
		ConsumerName: cfg.NATS.JobConsumerName,
		AckWait:      cfg.NATS.AckWait(),
		MaxDeliver:   cfg.NATS.MaxDeliver,
		FetchWait:    0,
		RetryDelay:   cfg.Worker.RetryDelay(),
	}, log)
	if err != nil {
		return nil, err
	}

	return &Components{
		Jobs:     jobs,
		Segments: segments,
		Queue:    jobQueue,
		Audio:    audio,
		Notifier: notify.NewPublisher(b.Conn, cfg.NATS.AudioChunkCreatedSubject, cfg.NATS.JobFinishedSubject),
	}, nil
}
