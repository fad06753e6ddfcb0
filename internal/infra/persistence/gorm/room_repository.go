// Package gormpersistence implements the repository interfaces on GORM/MySQL.
package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/repository"
)

// GormRoomRepository is the GORM implementation of RoomRepository.
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository creates a GormRoomRepository.
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// Upsert inserts the document or, if a row with the same name exists,
// replaces it wholesale. Repeating the call with the same document is a
// no-op, which is what the create path relies on for retries.
func (r *GormRoomRepository) Upsert(ctx context.Context, doc *domain.RoomDocument) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(doc).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: upsert room %q: %w", doc.Name, err)
	}
	return nil
}

// UpdateCheckout writes only the checkout timestamp of the named room.
func (r *GormRoomRepository) UpdateCheckout(ctx context.Context, name string, checkoutMillis int64) error {
	result := r.db.WithContext(ctx).Model(&domain.RoomDocument{}).
		Where("name = ?", name).
		Update("checkout_timestamp", checkoutMillis)
	if result.Error != nil {
		return fmt.Errorf("gorm: update checkout for room %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// UpdateArchiveSign writes only the archive signature of the named room.
func (r *GormRoomRepository) UpdateArchiveSign(ctx context.Context, name string, sign string) error {
	result := r.db.WithContext(ctx).Model(&domain.RoomDocument{}).
		Where("name = ?", name).
		Update("archive_sign", sign)
	if result.Error != nil {
		return fmt.Errorf("gorm: update archive sign for room %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// DeleteByName removes the document of a destroyed room. Deleting an
// absent name is not an error.
func (r *GormRoomRepository) DeleteByName(ctx context.Context, name string) error {
	err := r.db.WithContext(ctx).Where("name = ?", name).
		Delete(&domain.RoomDocument{}).Error
	if err != nil {
		return fmt.Errorf("gorm: delete room %q: %w", name, err)
	}
	return nil
}

// FindByLocalID returns every persisted room owned by the given manager
// instance.
func (r *GormRoomRepository) FindByLocalID(ctx context.Context, localID int) ([]domain.RoomDocument, error) {
	var docs []domain.RoomDocument
	err := r.db.WithContext(ctx).Where("local_id = ?", localID).Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find rooms by local id %d: %w", localID, err)
	}
	return docs, nil
}
