package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/repository"
	"github.com/kliu/painttyServer/internal/tasks"
)

// RoomPersistenceHandler processes the background room-document writes.
// Failures surface only through logs and the server's error handler; the
// request path that enqueued the write has long since replied.
type RoomPersistenceHandler struct {
	repo repository.RoomRepository
}

// NewRoomPersistenceHandler creates the handler.
func NewRoomPersistenceHandler(repo repository.RoomRepository) *RoomPersistenceHandler {
	if repo == nil {
		panic("RoomRepository cannot be nil for RoomPersistenceHandler")
	}
	return &RoomPersistenceHandler{repo: repo}
}

// ProcessUpsert writes the full document of a created room.
func (h *RoomPersistenceHandler) ProcessUpsert(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomUpsertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return unmarshalFailure(t, err)
	}
	if err := h.repo.Upsert(ctx, &payload.Doc); err != nil {
		return fmt.Errorf("upsert room %q: %w", payload.Doc.Name, err)
	}
	logrus.WithField("room", payload.Doc.Name).Debug("Room document upserted")
	return nil
}

// ProcessCheckout writes a checkout heartbeat. A vanished room is not an
// error worth retrying: the heartbeat is already stale.
func (h *RoomPersistenceHandler) ProcessCheckout(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomCheckoutPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return unmarshalFailure(t, err)
	}
	err := h.repo.UpdateCheckout(ctx, payload.Name, payload.CheckoutTimestamp)
	if errors.Is(err, repository.ErrRoomNotFound) {
		logrus.WithField("room", payload.Name).Warn("Checkout update for unknown room, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update checkout for room %q: %w", payload.Name, err)
	}
	return nil
}

// ProcessArchiveSign writes a rotated archive signature.
func (h *RoomPersistenceHandler) ProcessArchiveSign(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomArchiveSignPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return unmarshalFailure(t, err)
	}
	err := h.repo.UpdateArchiveSign(ctx, payload.Name, payload.Sign)
	if errors.Is(err, repository.ErrRoomNotFound) {
		logrus.WithField("room", payload.Name).Warn("Archive-sign update for unknown room, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update archive sign for room %q: %w", payload.Name, err)
	}
	return nil
}

// ProcessDelete removes the document of a destroyed room.
func (h *RoomPersistenceHandler) ProcessDelete(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomDeletePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return unmarshalFailure(t, err)
	}
	if err := h.repo.DeleteByName(ctx, payload.Name); err != nil {
		return fmt.Errorf("delete room %q: %w", payload.Name, err)
	}
	logrus.WithField("room", payload.Name).Info("Room document removed")
	return nil
}

func unmarshalFailure(t *asynq.Task, err error) error {
	logrus.WithError(err).WithField("task_type", t.Type()).Error("Failed to unmarshal task payload")
	return fmt.Errorf("unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
}
