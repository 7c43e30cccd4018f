//go:generate go run go.uber.org/mock/mockgen -source=tracker.go -destination=../mocks/mock_delivery_status_store.go -package=mocks
package delivery

import (
	"context"
	"log/slog"

	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

// StatusStore is the part of the conversation store the tracker writes through.
type StatusStore interface {
	SetStatus(ctx context.Context, id snowflake.ID, to model.Status) (model.Message, bool, error)
	MarkReadBy(ctx context.Context, id snowflake.ID, readerID string) (model.Message, bool, error)
}

// Tracker turns delivery and read acknowledgements into status transitions.
// It keeps no state; every call reports whether the stored message changed so
// the caller decides whether to publish a status event.
type Tracker struct {
	store StatusStore
	log   *slog.Logger
}

func NewTracker(store StatusStore, log *slog.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// OnDelivered moves sent to delivered. Already delivered or read is a no-op.
func (t *Tracker) OnDelivered(ctx context.Context, id snowflake.ID) (model.Message, bool, error) {
	m, changed, err := t.store.SetStatus(ctx, id, model.StatusDelivered)
	if err != nil {
		t.log.Warn("mark delivered failed", "message_id", id, "err", err)
		return model.Message{}, false, err
	}
	return m, changed, nil
}

// OnRead moves the message to read whatever its current status, and records readerID.
func (t *Tracker) OnRead(ctx context.Context, id snowflake.ID, readerID string) (model.Message, bool, error) {
	m, changed, err := t.store.MarkReadBy(ctx, id, readerID)
	if err != nil {
		t.log.Warn("mark read failed", "message_id", id, "user_id", readerID, "err", err)
		return model.Message{}, false, err
	}
	return m, changed, nil
}
