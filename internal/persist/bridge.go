// Package persist bridges room lifecycle events to the durable store.
// Every write is best-effort and non-blocking: the event is handed to the
// background queue and any failure is observable only via logs. The one
// critical-path operation is the startup recovery query, whose failure
// aborts manager startup.
package persist

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/domain"
	"github.com/kliu/painttyServer/internal/repository"
	"github.com/kliu/painttyServer/internal/tasks"
)

// Enqueuer is the slice of the asynq client the bridge needs. *asynq.Client
// satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Bridge wires room lifecycle events to durable-store operations.
type Bridge struct {
	queue Enqueuer
	repo  repository.RoomRepository
	log   *logrus.Entry
}

// NewBridge creates the bridge. The repository is used directly only for
// the recovery query; all writes travel through the queue.
func NewBridge(queue Enqueuer, repo repository.RoomRepository) *Bridge {
	if queue == nil {
		panic("Enqueuer cannot be nil for persist.Bridge")
	}
	if repo == nil {
		panic("RoomRepository cannot be nil for persist.Bridge")
	}
	return &Bridge{
		queue: queue,
		repo:  repo,
		log:   logrus.WithField("component", "persist"),
	}
}

// OnCreate upserts the full document of a created room. The upsert is
// idempotent, so retries are left on.
func (b *Bridge) OnCreate(doc domain.RoomDocument) {
	task, err := tasks.NewRoomUpsertTask(doc)
	if err != nil {
		b.log.WithError(err).WithField("room", doc.Name).Error("Failed to build room upsert task")
		return
	}
	b.enqueue(doc.Name, task, asynq.Queue("default"))
}

// OnCheckout updates the checkout timestamp of a room. Heartbeat-grade:
// a lost update is tolerated, the next checkout supersedes it.
func (b *Bridge) OnCheckout(name string, checkoutMillis int64) {
	task, err := tasks.NewRoomCheckoutTask(name, checkoutMillis)
	if err != nil {
		b.log.WithError(err).WithField("room", name).Error("Failed to build checkout task")
		return
	}
	b.enqueue(name, task, asynq.Queue("low"), asynq.MaxRetry(0))
}

// OnArchiveSignRotate updates the archive signature of a room. Same
// fire-and-forget policy as checkout.
func (b *Bridge) OnArchiveSignRotate(name, sign string) {
	task, err := tasks.NewRoomArchiveSignTask(name, sign)
	if err != nil {
		b.log.WithError(err).WithField("room", name).Error("Failed to build archive-sign task")
		return
	}
	b.enqueue(name, task, asynq.Queue("low"), asynq.MaxRetry(0))
}

// OnDestroyed deletes the document of a destroyed room.
func (b *Bridge) OnDestroyed(name string) {
	task, err := tasks.NewRoomDeleteTask(name)
	if err != nil {
		b.log.WithError(err).WithField("room", name).Error("Failed to build room delete task")
		return
	}
	b.enqueue(name, task, asynq.Queue("default"))
}

func (b *Bridge) enqueue(name string, task *asynq.Task, opts ...asynq.Option) {
	if _, err := b.queue.Enqueue(task, opts...); err != nil {
		// Fire and forget: the in-memory registry remains the source of
		// truth, the durable store is a best-effort mirror.
		b.log.WithError(err).WithFields(logrus.Fields{
			"room":      name,
			"task_type": task.Type(),
		}).Error("Failed to enqueue persistence task")
	}
}

// Recover returns every document owned by the given manager instance. A
// query failure here is escalated: the caller must not declare itself
// ready on top of an unreadable store.
func (b *Bridge) Recover(ctx context.Context, localID int) ([]domain.RoomDocument, error) {
	docs, err := b.repo.FindByLocalID(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("persist: recovery query for local id %d: %w", localID, err)
	}
	return docs, nil
}
