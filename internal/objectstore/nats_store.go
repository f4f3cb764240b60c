// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerContentType  = "Content-Type"
	defaultContentType = "application/octet-stream"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates and initializes a new NatsObjectStore.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Synthesized audio for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// ContentType returns the content type recorded when the object was uploaded.
func (n *NatsObjectStore) ContentType(_ context.Context, key string) (string, error) {
	info, err := n.store.GetInfo(key)
	if err != nil {
		return "", fmt.Errorf("failed to get info of object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	contentType := info.Headers.Get(headerContentType)
	if contentType == "" {
		return defaultContentType, nil
	}

	return contentType, nil
}

// Upload saves an object to the NATS object store, replacing any previous
// object under the same key.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	return n.put(ctx, key, bytes.NewReader(data), contentType)
}

// Compose streams the objects named by parts, in order, into one object
// under key. No part is held in memory as a whole.
func (n *NatsObjectStore) Compose(ctx context.Context, key string, parts []string, contentType string) error {
	reader, writer := io.Pipe()
	copied := make(chan struct{})

	go func() {
		defer close(copied)

		_ = writer.CloseWithError(n.copyParts(ctx, writer, parts))
	}()

	err := n.put(ctx, key, reader, contentType)

	// Unblocks the copier if the put stopped reading early.
	_ = reader.CloseWithError(io.ErrClosedPipe)
	<-copied

	if err != nil {
		return fmt.Errorf("failed to compose object '%s' from %d part(s): %w", key, len(parts), err)
	}

	return nil
}

func (n *NatsObjectStore) copyParts(ctx context.Context, writer io.Writer, parts []string) error {
	for _, part := range parts {
		obj, err := n.store.Get(part, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", part, n.bucket, err)
		}

		_, copyErr := io.Copy(writer, obj)
		closeErr := obj.Close()

		if copyErr != nil {
			return fmt.Errorf("failed to copy object '%s': %w", part, copyErr)
		}

		if closeErr != nil {
			return fmt.Errorf("failed to close object '%s': %w", part, closeErr)
		}
	}

	return nil
}

func (n *NatsObjectStore) put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	if contentType == "" {
		contentType = defaultContentType
	}

	headers := nats.Header{}
	headers.Set(headerContentType, contentType)

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, reader, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
