package persist_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/persist"
	"github.com/kliu/painttyServer/internal/repository/mocks"
	"github.com/kliu/painttyServer/internal/tasks"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeQueue struct {
	calls []enqueued
	err   error
}

func (f *fakeQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{}, nil
}

func newBridge(t *testing.T) (*persist.Bridge, *fakeQueue, *mocks.RoomRepository) {
	t.Helper()
	queue := &fakeQueue{}
	repo := new(mocks.RoomRepository)
	return persist.NewBridge(queue, repo), queue, repo
}

func TestBridge_OnCreateEnqueuesUpsert(t *testing.T) {
	bridge, queue, _ := newBridge(t)

	doc := domain.RoomDocument{Name: "alpha", MaxLoad: 5, Key: "k", Port: 40001, LocalID: 1}
	bridge.OnCreate(doc)

	require.Len(t, queue.calls, 1)
	task := queue.calls[0].task
	assert.Equal(t, tasks.TypeRoomUpsert, task.Type())

	var payload tasks.RoomUpsertPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, doc, payload.Doc)
}

func TestBridge_OnCheckoutEnqueuesHeartbeat(t *testing.T) {
	bridge, queue, _ := newBridge(t)

	bridge.OnCheckout("alpha", 1700000000123)

	require.Len(t, queue.calls, 1)
	task := queue.calls[0].task
	assert.Equal(t, tasks.TypeRoomCheckout, task.Type())
	// Routed to the low queue without retry.
	assert.Len(t, queue.calls[0].opts, 2)

	var payload tasks.RoomCheckoutPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "alpha", payload.Name)
	assert.Equal(t, int64(1700000000123), payload.CheckoutTimestamp)
}

func TestBridge_OnArchiveSignRotate(t *testing.T) {
	bridge, queue, _ := newBridge(t)

	bridge.OnArchiveSignRotate("alpha", "cafe")

	require.Len(t, queue.calls, 1)
	task := queue.calls[0].task
	assert.Equal(t, tasks.TypeRoomArchiveSign, task.Type())

	var payload tasks.RoomArchiveSignPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "alpha", payload.Name)
	assert.Equal(t, "cafe", payload.Sign)
}

func TestBridge_OnDestroyedEnqueuesDelete(t *testing.T) {
	bridge, queue, _ := newBridge(t)

	bridge.OnDestroyed("alpha")

	require.Len(t, queue.calls, 1)
	task := queue.calls[0].task
	assert.Equal(t, tasks.TypeRoomDelete, task.Type())

	var payload tasks.RoomDeletePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "alpha", payload.Name)
}

// Enqueue failures never propagate to the event path.
func TestBridge_EnqueueFailureIsSwallowed(t *testing.T) {
	queue := &fakeQueue{err: errors.New("redis down")}
	bridge := persist.NewBridge(queue, new(mocks.RoomRepository))

	assert.NotPanics(t, func() {
		bridge.OnCreate(domain.RoomDocument{Name: "alpha"})
		bridge.OnCheckout("alpha", 1)
		bridge.OnArchiveSignRotate("alpha", "s")
		bridge.OnDestroyed("alpha")
	})
}

func TestBridge_Recover(t *testing.T) {
	bridge, _, repo := newBridge(t)
	docs := []domain.RoomDocument{{Name: "a", Key: "k1"}, {Name: "b", Key: "k2"}}
	repo.On("FindByLocalID", mock.Anything, 7).Return(docs, nil)

	got, err := bridge.Recover(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, docs, got)
	repo.AssertExpectations(t)
}

// Unlike the event-path writes, a recovery query failure is escalated.
func TestBridge_RecoverEscalatesQueryFailure(t *testing.T) {
	bridge, _, repo := newBridge(t)
	repo.On("FindByLocalID", mock.Anything, 7).Return(nil, errors.New("db gone"))

	_, err := bridge.Recover(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery query")
}
