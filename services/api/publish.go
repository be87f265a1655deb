package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tfgate/pkg/bus"
	"tfgate/services/runs"
)

// Subscriber is the subset of *bus.Bus used to relay events.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// RelayFromBus feeds run events published by any tfgate process into the
// hub. The consumer is ephemeral: every API replica sees every event.
func (h *Hub) RelayFromBus(ctx context.Context, sub Subscriber) (io.Closer, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return sub.Subscribe(ctx, bus.SubjectRunUpdated, "", func(ctx context.Context, data []byte) error {
		var evt runs.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("%w: decode run event: %v", bus.ErrPermanent, err)
		}
		return h.Notify(ctx, evt)
	})
}
