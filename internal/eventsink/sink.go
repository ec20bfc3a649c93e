// Package eventsink receives best-effort provenance notifications. Emission
// can never fail its caller: errors are logged and dropped.
package eventsink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/basket/agentbus/internal/persistence"
	"github.com/basket/agentbus/internal/shared"
)

// Sink records provenance events into the store. A nil *Sink is a valid
// no-op, so wiring it up stays optional in tests.
type Sink struct {
	store  *persistence.Store
	logger *slog.Logger
}

func New(store *persistence.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger}
}

// Emit records one provenance event. identityID and data may be empty.
// Failures are swallowed after a log line.
func (s *Sink) Emit(ctx context.Context, source, eventType, identityID string, data map[string]any) {
	if s == nil || s.store == nil {
		return
	}

	var payload string
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			s.logger.Warn("event payload not serializable, dropping payload",
				"source", source, "type", eventType, "error", err)
		} else {
			payload = shared.Redact(string(b))
		}
	}

	if err := s.store.RecordEvent(ctx, source, eventType, identityID, payload); err != nil {
		s.logger.Warn("event emission failed",
			"source", source, "type", eventType, "error", err)
	}
}
