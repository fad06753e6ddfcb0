// Package tasks defines the background persistence task types and payloads.
package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/kliu/painttyServer/internal/domain"
)

// Task type names. Queue routing: room:upsert and room:delete run on the
// default queue with retries (both are idempotent); checkout and
// archive-sign updates are heartbeat-grade and run on the low queue
// without retry.
const (
	TypeRoomUpsert      = "room:upsert"
	TypeRoomCheckout    = "room:checkout"
	TypeRoomArchiveSign = "room:archive_sign"
	TypeRoomDelete      = "room:delete"
)

// RoomUpsertPayload carries the full document written on room creation.
type RoomUpsertPayload struct {
	Doc domain.RoomDocument `json:"doc"`
}

// RoomCheckoutPayload carries a checkout heartbeat.
type RoomCheckoutPayload struct {
	Name              string `json:"name"`
	CheckoutTimestamp int64  `json:"checkoutTimestamp"`
}

// RoomArchiveSignPayload carries a rotated archive signature.
type RoomArchiveSignPayload struct {
	Name string `json:"name"`
	Sign string `json:"sign"`
}

// RoomDeletePayload names a destroyed room whose document must go.
type RoomDeletePayload struct {
	Name string `json:"name"`
}

// NewRoomUpsertTask builds the persistence task for a created room.
func NewRoomUpsertTask(doc domain.RoomDocument) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomUpsertPayload{Doc: doc})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomUpsert, payload), nil
}

// NewRoomCheckoutTask builds the checkout-timestamp update task.
func NewRoomCheckoutTask(name string, checkoutMillis int64) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomCheckoutPayload{Name: name, CheckoutTimestamp: checkoutMillis})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomCheckout, payload), nil
}

// NewRoomArchiveSignTask builds the archive-sign update task.
func NewRoomArchiveSignTask(name, sign string) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomArchiveSignPayload{Name: name, Sign: sign})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomArchiveSign, payload), nil
}

// NewRoomDeleteTask builds the document-delete task for a destroyed room.
func NewRoomDeleteTask(name string) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomDeletePayload{Name: name})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomDelete, payload), nil
}
