package pubsub

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
)

const maxStreamLine = 1 << 20

var errStreamEnded = errors.New("subscription stream ended")

// RPCClient is the part of the content-store client the rpc transport needs.
type RPCClient interface {
	PubsubPublish(ctx context.Context, topic string, message []byte) error
	PubsubSubscribe(ctx context.Context, topic string) (io.ReadCloser, error)
}

type rpcBackend struct {
	client RPCClient
	logger *slog.Logger
}

func (r *rpcBackend) Start(context.Context) error { return nil }
func (r *rpcBackend) Stop()                       {}

// PeerCount is not exposed by the rpc pubsub surface; a reachable daemon
// counts as one peer.
func (r *rpcBackend) PeerCount() int { return 1 }

func (r *rpcBackend) Publish(ctx context.Context, topic string, data []byte) error {
	return r.client.PubsubPublish(ctx, topic, data)
}

// Subscribe reads the newline-delimited stream until it ends. Lines that do not
// decode are skipped.
func (r *rpcBackend) Subscribe(ctx context.Context, topic string, deliver func(Envelope)) error {
	stream, err := r.client.PubsubSubscribe(ctx, topic)
	if err != nil {
		return err
	}
	defer stream.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := DecodeEnvelopeLine(line)
		if err != nil {
			r.logger.Debug("dropping undecodable pubsub line",
				"component", "pubsub",
				"operation", "subscribe",
				"correlation_id", topic,
				"error", err.Error(),
			)
			continue
		}
		env.Topic = topic
		deliver(env)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamEnded
}
