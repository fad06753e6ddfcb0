// Package mocks provides testify mocks for the repository interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kliu/painttyServer/internal/domain"
)

// RoomRepository is a mock implementation of repository.RoomRepository.
type RoomRepository struct {
	mock.Mock
}

func (m *RoomRepository) Upsert(ctx context.Context, doc *domain.RoomDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *RoomRepository) UpdateCheckout(ctx context.Context, name string, checkoutMillis int64) error {
	args := m.Called(ctx, name, checkoutMillis)
	return args.Error(0)
}

func (m *RoomRepository) UpdateArchiveSign(ctx context.Context, name string, sign string) error {
	args := m.Called(ctx, name, sign)
	return args.Error(0)
}

func (m *RoomRepository) DeleteByName(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *RoomRepository) FindByLocalID(ctx context.Context, localID int) ([]domain.RoomDocument, error) {
	args := m.Called(ctx, localID)
	if docs, ok := args.Get(0).([]domain.RoomDocument); ok {
		return docs, args.Error(1)
	}
	return nil, args.Error(1)
}
