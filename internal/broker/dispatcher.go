package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/pkg/protocol"
)

// Dispatcher fans a consumed envelope out to the matching local connections.
type Dispatcher struct {
	registry *registry.Registry
	dedup    *DedupWindow
	metrics  *metrics.BrokerMetrics
	logger   *slog.Logger
}

func NewDispatcher(reg *registry.Registry, dedup *DedupWindow, m *metrics.BrokerMetrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		dedup:    dedup,
		metrics:  m,
		logger:   slog.Default().With("component", "dispatcher"),
	}
}

func (d *Dispatcher) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	if d.dedup.Seen(env.ID) {
		d.metrics.Duplicates.Inc()
		d.logger.DebugContext(ctx, "Duplicate envelope ignored", "envelope_id", env.ID, "origin", env.OriginServerID)
		return
	}

	targets := d.targets(env)
	if len(targets) == 0 {
		d.metrics.DeliveryMisses.Inc()
		return
	}

	frame, err := protocol.EncodeEvent(env.ClientEvent(), env.Payload)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to encode event frame", "envelope_id", env.ID, "error", err)
		return
	}

	for _, h := range targets {
		if h.Push(frame) {
			d.metrics.Delivered.Inc()
			continue
		}
		d.logger.DebugContext(ctx, "Push refused", "connection_id", h.ID, "user_id", h.UserID, "envelope_id", env.ID)
	}
}

// targets picks recipients: the addressed user, else the room, else everyone but the presence subject.
func (d *Dispatcher) targets(env domain.Envelope) []*registry.Handle {
	switch {
	case env.UserID != nil:
		return d.registry.HandlesFor(*env.UserID)
	case env.RoomID != "":
		return d.registry.HandlesInRoom(env.RoomID)
	case env.EventType == domain.EventPresence:
		var p domain.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.logger.Warn("Malformed presence payload", "envelope_id", env.ID, "error", err)
			return nil
		}
		all := d.registry.All()
		out := all[:0]
		for _, h := range all {
			if h.UserID != p.UserID {
				out = append(out, h)
			}
		}
		return out
	default:
		return nil
	}
}
