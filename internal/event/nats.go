package event

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBridge publishes run events to NATS subjects of the form
// <prefix>.<run_id>.<type> so external consumers can stream a run
// without holding an in-process subscription.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSBridge wraps an established NATS connection. prefix defaults
// to "runs" when empty.
func NewNATSBridge(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "runs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBridge{nc: nc, prefix: prefix, logger: logger}
}

// Publish sends one event to its run subject.
func (b *NATSBridge) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", b.prefix, ev.RunID, ev.Type)
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubscribeRun returns a channel of raw NATS messages for every event
// of one run, plus a cancel function. Used by the SSE handler when a
// NATS connection is configured.
func (b *NATSBridge) SubscribeRun(runID string) (<-chan *nats.Msg, func(), error) {
	ch := make(chan *nats.Msg, 64)
	subject := fmt.Sprintf("%s.%s.>", b.prefix, runID)
	sub, err := b.nc.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return ch, cancel, nil
}
