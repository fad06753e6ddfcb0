package repository

import (
	"context"

	"github.com/kliu/painttyServer/internal/domain"
)

// RoomRepository is the durable store for room documents. Every write is a
// single-document operation keyed by name; the only read is the recovery
// query filtered by localId. No multi-document consistency is provided or
// required.
type RoomRepository interface {
	// Upsert inserts or replaces the full document keyed by name.
	// Idempotent, safe to repeat on retry.
	Upsert(ctx context.Context, doc *domain.RoomDocument) error

	// UpdateCheckout updates only the checkout timestamp of the named room.
	UpdateCheckout(ctx context.Context, name string, checkoutMillis int64) error

	// UpdateArchiveSign updates only the archive signature of the named room.
	UpdateArchiveSign(ctx context.Context, name string, sign string) error

	// DeleteByName removes the document of a destroyed room.
	DeleteByName(ctx context.Context, name string) error

	// FindByLocalID returns every document owned by the given manager
	// instance, used at startup to recover rooms this process previously ran.
	FindByLocalID(ctx context.Context, localID int) ([]domain.RoomDocument, error)
}
