// Package queue carries batch job messages over a JetStream work-queue stream.
// Delivery is at-least-once: a message is removed only when its handler
// succeeds, and it stays invisible to other consumers while a handler holds it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/lektor/internal/core"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

// ErrPoison marks a message that can never be processed. It is terminated
// instead of redelivered.
var ErrPoison = errors.New("poison message")

const (
	defaultAckWait    = 30 * time.Second
	defaultMaxDeliver = 5
	defaultFetchWait  = 2 * time.Second
	defaultRetryDelay = 5 * time.Second
	duplicateWindow   = 2 * time.Minute
)

// Config names the stream and consumer and tunes redelivery.
type Config struct {
	StreamName   string
	Subject      string
	ConsumerName string
	// AckWait is the visibility timeout of a delivered message.
	AckWait    time.Duration
	MaxDeliver int
	// FetchWait bounds one pull request.
	FetchWait time.Duration
	// RetryDelay is applied when a handler fails.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}

	if c.MaxDeliver == 0 {
		c.MaxDeliver = defaultMaxDeliver
	}

	if c.FetchWait <= 0 {
		c.FetchWait = defaultFetchWait
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	return c
}

// Handler processes one job message. Returning nil acknowledges the message,
// an error wrapping ErrPoison terminates it, and any other error schedules a
// redelivery unless the delivery was the final one.
type Handler func(ctx context.Context, msg core.BatchJobMessage) error

// Delivery tells a handler which delivery of a message it is running.
type Delivery struct {
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this delivery ends the message: the
// consumer will not deliver it again.
func (d Delivery) Final() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}

type deliveryKey struct{}

// WithDelivery returns a context carrying the delivery of a message.
func WithDelivery(ctx context.Context, delivery Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, delivery)
}

// DeliveryFrom returns the delivery carried by ctx.
func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	delivery, ok := ctx.Value(deliveryKey{}).(Delivery)

	return delivery, ok
}

// Queue publishes to and consumes from the job stream.
type Queue struct {
	jetstreamContext nats.JetStreamContext
	cfg              Config
	log              *logger.Logger
}

// New ensures the stream and the durable consumer exist.
func New(jetstreamContext nats.JetStreamContext, cfg Config, log *logger.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()

	queue := &Queue{jetstreamContext: jetstreamContext, cfg: cfg, log: log}

	err := queue.ensureStream()
	if err != nil {
		return nil, err
	}

	err = queue.ensureConsumer()
	if err != nil {
		return nil, err
	}

	return queue, nil
}

func (q *Queue) ensureStream() error {
	_, err := q.jetstreamContext.StreamInfo(q.cfg.StreamName)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream '%s': %w", q.cfg.StreamName, err)
	}

	_, err = q.jetstreamContext.AddStream(&nats.StreamConfig{
		Name:        q.cfg.StreamName,
		Description: "Batch narration jobs.",
		Subjects:    []string{q.cfg.Subject},
		Retention:   nats.WorkQueuePolicy,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Duplicates:  duplicateWindow,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream '%s': %w", q.cfg.StreamName, err)
	}

	return nil
}

func (q *Queue) ensureConsumer() error {
	_, err := q.jetstreamContext.ConsumerInfo(q.cfg.StreamName, q.cfg.ConsumerName)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up consumer '%s': %w", q.cfg.ConsumerName, err)
	}

	_, err = q.jetstreamContext.AddConsumer(q.cfg.StreamName, &nats.ConsumerConfig{
		Durable:       q.cfg.ConsumerName,
		Description:   "Narration workers.",
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		FilterSubject: q.cfg.Subject,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer '%s': %w", q.cfg.ConsumerName, err)
	}

	return nil
}

// Publish enqueues a job message. The job id doubles as the JetStream message
// id, so publishing the same job twice inside the duplicate window stores it once.
func (q *Queue) Publish(ctx context.Context, msg core.BatchJobMessage) error {
	err := msg.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate job message: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	_, err = q.jetstreamContext.Publish(q.cfg.Subject, data, nats.MsgId(msg.JobID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}

	return nil
}

// Subscribe pulls messages one at a time and runs handler on each until ctx
// ends. Several subscribers may share the durable consumer; each message is
// held by at most one of them at a time.
func (q *Queue) Subscribe(ctx context.Context, handler Handler) error {
	sub, err := q.jetstreamContext.PullSubscribe(
		q.cfg.Subject,
		q.cfg.ConsumerName,
		nats.Bind(q.cfg.StreamName, q.cfg.ConsumerName),
	)
	if err != nil {
		return fmt.Errorf("failed to bind consumer '%s': %w", q.cfg.ConsumerName, err)
	}

	defer func() {
		unsubscribeErr := sub.Unsubscribe()
		if unsubscribeErr != nil && !errors.Is(unsubscribeErr, nats.ErrConnectionClosed) {
			q.log.Warn("Failed to unsubscribe from consumer %s: %v", q.cfg.ConsumerName, unsubscribeErr)
		}
	}()

	for ctx.Err() == nil {
		msgs, fetchErr := q.fetch(ctx, sub)
		if fetchErr != nil {
			return fetchErr
		}

		for _, msg := range msgs {
			q.dispatch(ctx, msg, handler)
		}
	}

	return nil
}

func (q *Queue) fetch(ctx context.Context, sub *nats.Subscription) ([]*nats.Msg, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, q.cfg.FetchWait)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))

	switch {
	case err == nil:
		return msgs, nil
	case ctx.Err() != nil,
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrTimeout):
		return nil, nil
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
		return nil, fmt.Errorf("failed to fetch from consumer '%s': %w", q.cfg.ConsumerName, err)
	default:
		q.log.Warn("Fetch from consumer %s failed: %v", q.cfg.ConsumerName, err)

		return nil, nil
	}
}

func (q *Queue) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	var job core.BatchJobMessage

	err := json.Unmarshal(msg.Data, &job)
	if err == nil {
		err = job.Validate()
	}

	if err != nil {
		q.log.Error("Terminating undecodable job message: %v", err)
		q.settle(msg.Term(), "terminate")

		return
	}

	delivery := Delivery{Attempt: 1, MaxAttempts: q.cfg.MaxDeliver}

	meta, metaErr := msg.Metadata()
	if metaErr == nil {
		delivery.Attempt = int(meta.NumDelivered)
	}

	if delivery.Attempt > 1 {
		q.log.Info("Redelivery %d of job %s", delivery.Attempt, job.JobID)
	}

	handlerCtx, cancel := context.WithCancel(WithDelivery(ctx, delivery))
	heartbeatDone := make(chan struct{})

	go q.heartbeat(handlerCtx, msg, heartbeatDone)

	err = handler(handlerCtx, job)

	cancel()
	<-heartbeatDone

	switch {
	case err == nil:
		q.settle(msg.Ack(), "ack")
	case errors.Is(err, ErrPoison):
		q.log.Error("Terminating job %s: %v", job.JobID, err)
		q.settle(msg.Term(), "terminate")
	case delivery.Final():
		q.log.Error("Job %s failed on its last delivery (%d of %d), terminating: %v",
			job.JobID, delivery.Attempt, delivery.MaxAttempts, err)
		q.settle(msg.Term(), "terminate")
	default:
		q.log.Warn("Job %s will be redelivered: %v", job.JobID, err)
		q.settle(msg.NakWithDelay(q.cfg.RetryDelay), "nak")
	}
}

// heartbeat extends the visibility timeout while the handler runs.
func (q *Queue) heartbeat(ctx context.Context, msg *nats.Msg, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.cfg.AckWait / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := msg.InProgress()
			if err != nil {
				q.log.Warn("Failed to extend visibility of message: %v", err)
			}
		}
	}
}

func (q *Queue) settle(err error, action string) {
	if err != nil {
		q.log.Error("Failed to %s message: %v", action, err)
	}
}
