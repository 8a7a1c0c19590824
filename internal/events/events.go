// Package events publishes lease lifecycle events and peer notices.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event types
const (
	LeaseIssued          = "lease.issued"
	LeaseAcknowledged    = "lease.acknowledged"
	LeaseExpired         = "lease.expired"
	LeaseRevoked         = "lease.revoked"
	ResultAccepted       = "result.accepted"
	ResultRejected       = "result.rejected"
	ResultBuffered       = "result.buffered"
	TaskRequeued         = "task.requeued"
	TaskPermFailed       = "task.permanently_failed"
	NodeCrashed          = "node.crashed"
	PartitionChanged     = "partition.state_changed"
	RecoveryCompleted    = "recovery.completed"
	peerNoticeSubjectFmt = "%s.peer.%s"
)

// Event is a lifecycle notification
type Event struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"taskId,omitempty"`
	PeerID  string          `json:"peerId,omitempty"`
	LeaseID string          `json:"leaseId,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

// PeerNotice tells a peer its claim on a task is gone
type PeerNotice struct {
	TaskID  string    `json:"taskId"`
	LeaseID string    `json:"leaseId,omitempty"`
	Reason  string    `json:"reason"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Sink delivers encoded messages to a subject
type Sink interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// NATSSink publishes core NATS messages
type NATSSink struct {
	nc *nats.Conn
}

// NewNATSSink connects to the NATS server at url
func NewNATSSink(url string, logger *zerolog.Logger) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("swarm-lease-coordinator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{nc: nc}, nil
}

func (s *NATSSink) Publish(_ context.Context, subject string, data []byte) error {
	return s.nc.Publish(subject, data)
}

func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

// LogSink writes events to the logger
type LogSink struct {
	logger *zerolog.Logger
}

// NewLogSink creates a sink that logs every message at info level
func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, subject string, data []byte) error {
	s.logger.Info().Str("subject", subject).RawJSON("payload", data).Msg("Event")
	return nil
}

func (s *LogSink) Close() error { return nil }

// Discard drops every message
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte) error { return nil }
func (Discard) Close() error                                  { return nil }

// Bus encodes events and hands them to a sink. Publishing is best effort:
// failures are logged and never returned. A nil *Bus discards everything.
type Bus struct {
	sink   Sink
	prefix string
	logger *zerolog.Logger
	now    func() time.Time
}

// NewBus creates a bus publishing under prefix (e.g. "swarm")
func NewBus(sink Sink, prefix string, logger *zerolog.Logger) *Bus {
	if sink == nil {
		sink = Discard{}
	}
	if prefix == "" {
		prefix = "swarm"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "events").Logger()
	return &Bus{sink: sink, prefix: prefix, logger: &l, now: func() time.Time { return time.Now().UTC() }}
}

// Emit publishes ev on <prefix>.<type>
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.publish(ctx, b.prefix+"."+ev.Type, ev, ev.TaskID, ev.PeerID)
}

// NotifyPeer publishes n on <prefix>.peer.<peerID>
func (b *Bus) NotifyPeer(ctx context.Context, peerID string, n PeerNotice) {
	if b == nil || peerID == "" {
		return
	}
	if n.At.IsZero() {
		n.At = b.now()
	}
	b.publish(ctx, fmt.Sprintf(peerNoticeSubjectFmt, b.prefix, peerID), n, n.TaskID, peerID)
}

func (b *Bus) publish(ctx context.Context, subject string, v any, taskID, peerID string) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Msg("Failed to encode event")
		return
	}
	if err := b.sink.Publish(ctx, subject, data); err != nil {
		b.logger.Warn().
			Err(err).
			Str("subject", subject).
			Str("task_id", taskID).
			Str("peer_id", peerID).
			Msg("Failed to publish event")
	}
}

// Close closes the underlying sink
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.sink.Close()
}
