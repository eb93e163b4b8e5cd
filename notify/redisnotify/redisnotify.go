// Package redisnotify implements notify.Notifier and notify.Source on
// Redis Streams, letting engine and workers run in separate processes.
// Each workflow topic maps to one stream; workers in the same group share
// a consumer group so a message wakes exactly one of them.
package redisnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/workloom/loom/id"
	"github.com/workloom/loom/notify"
)

// streamKey namespaces topic streams in the keyspace.
func streamKey(topic string) string {
	return "loom:notify:" + topic
}

// maxStreamLen caps each topic stream. Notifications are disposable, so
// old entries are trimmed approximately on every publish.
const maxStreamLen = 10_000

// Notifier publishes ready messages with XADD.
type Notifier struct {
	client goredis.UniversalClient
}

var _ notify.Notifier = (*Notifier)(nil)

// NewNotifier creates a Redis-backed notifier on an existing client.
func NewNotifier(client goredis.UniversalClient) *Notifier {
	return &Notifier{client: client}
}

// NotifyReady appends the message to the run's versioned topic stream and
// to the version-agnostic workflow stream, mirroring the in-process
// broker's fan-out.
func (n *Notifier) NotifyReady(ctx context.Context, msg notify.ReadyMessage) error {
	topics := []string{notify.Topic(msg.Name, msg.VersionID)}
	if msg.VersionID != "" {
		topics = append(topics, notify.Topic(msg.Name, ""))
	}

	values := map[string]interface{}{
		"run_id":     msg.RunID.String(),
		"name":       msg.Name,
		"version_id": msg.VersionID,
		"at":         msg.At.Format(time.RFC3339Nano),
	}
	for _, topic := range topics {
		err := n.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey(topic),
			MaxLen: maxStreamLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			return fmt.Errorf("loom/redisnotify: xadd to %s: %w", topic, err)
		}
	}
	return nil
}

// Source consumes ready messages with XREADGROUP and acknowledges them
// immediately: losing a notification is harmless, workers poll the store
// as well.
type Source struct {
	client   goredis.UniversalClient
	group    string
	consumer string
	streams  []string
	logger   *slog.Logger
}

var _ notify.Source = (*Source)(nil)

// NewSource creates a consumer-group source for the given workflow
// topics, creating the groups if they do not exist yet.
func NewSource(
	ctx context.Context,
	client goredis.UniversalClient,
	group, consumer string,
	logger *slog.Logger,
	topics ...string,
) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	streams := make([]string, len(topics))
	for i, topic := range topics {
		key := streamKey(topic)
		streams[i] = key
		// MKSTREAM creates the stream alongside the group.
		err := client.XGroupCreateMkStream(ctx, key, group, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("loom/redisnotify: create group on %s: %w", key, err)
		}
	}

	return &Source{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		logger:   logger,
	}, nil
}

// isBusyGroup reports whether err is the BUSYGROUP reply for an already
// existing consumer group.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Next blocks on XREADGROUP until a message arrives or wait elapses.
func (s *Source) Next(ctx context.Context, wait time.Duration) (*notify.ReadyMessage, error) {
	// XREADGROUP wants one ">" cursor per stream.
	args := make([]string, 0, len(s.streams)*2)
	args = append(args, s.streams...)
	for range s.streams {
		args = append(args, ">")
	}

	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  args,
		Count:    1,
		Block:    wait,
	}).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, nil // Timeout, nothing to read.
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("loom/redisnotify: xreadgroup: %w", err)
	}

	for _, stream := range res {
		for _, xmsg := range stream.Messages {
			// Ack first: a notification is not worth redelivery.
			if ackErr := s.client.XAck(ctx, stream.Stream, s.group, xmsg.ID).Err(); ackErr != nil {
				s.logger.Debug("notification ack failed",
					"stream", stream.Stream, "id", xmsg.ID, "error", ackErr)
			}

			msg, convErr := toReadyMessage(xmsg.Values)
			if convErr != nil {
				s.logger.Debug("malformed notification skipped",
					"stream", stream.Stream, "id", xmsg.ID, "error", convErr)
				continue
			}
			return msg, nil
		}
	}
	return nil, nil
}

// Close is a no-op: the client is owned by the caller.
func (s *Source) Close() error { return nil }

func toReadyMessage(values map[string]interface{}) (*notify.ReadyMessage, error) {
	rawID, ok := values["run_id"].(string)
	if !ok {
		return nil, errors.New("missing run_id field")
	}
	runID, err := id.ParseRunID(rawID)
	if err != nil {
		return nil, err
	}

	msg := &notify.ReadyMessage{RunID: runID}
	if v, ok := values["name"].(string); ok {
		msg.Name = v
	}
	if v, ok := values["version_id"].(string); ok {
		msg.VersionID = v
	}
	if v, ok := values["at"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.At = at
		}
	}
	return msg, nil
}
