package gateway

import (
	"context"
	"encoding/json"
	"strings"

	gateerrors "github.com/conneroisu/livegate/internal/errors"
	"github.com/conneroisu/livegate/internal/throttle"
)

type relayTarget struct {
	Key string `json:"key"`
}

// Relay publishes accepted client events to the distributor key named by
// the payload's "key" field. Only the event names in events are relayed, so
// clients cannot produce server events such as stream:ended. A session may
// only publish to keys it is subscribed to.
func Relay(dist *throttle.Distributor, events []string) Handler {
	allowed := make(map[string]struct{}, len(events))
	for _, name := range events {
		allowed[name] = struct{}{}
	}

	return HandlerFunc(func(ctx context.Context, s *Session, ev Inbound) error {
		if _, ok := allowed[ev.Name]; !ok {
			return gateerrors.NewValidationError(gateerrors.ErrCodeValidationFailed, "event not relayable")
		}
		var target relayTarget
		if err := json.Unmarshal(ev.Data, &target); err != nil || strings.TrimSpace(target.Key) == "" {
			return gateerrors.NewValidationError(gateerrors.ErrCodeValidationFailed, "missing key")
		}
		if !s.subscribed(target.Key) {
			return gateerrors.NewValidationError(gateerrors.ErrCodeValidationFailed, "not subscribed")
		}
		return dist.Publish(ctx, throttle.Event{
			Key:     target.Key,
			Type:    ev.Name,
			Payload: ev.Data,
		})
	})
}
