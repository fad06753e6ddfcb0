// Package worker runs the asynq server that drains the background
// persistence queue.
package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/repository"
	"github.com/kliu/painttyServer/internal/tasks"
)

// WorkerServer wraps the asynq server lifecycle.
type WorkerServer struct {
	server *asynq.Server
	log    *logrus.Entry
	repo   repository.RoomRepository
}

// NewWorkerServer creates a worker server draining the persistence queues.
func NewWorkerServer(redisOpt asynq.RedisClientOpt, repo repository.RoomRepository, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{
		server: server,
		log:    logEntry,
		repo:   repo,
	}
}

// Start runs the worker server. It blocks, so call it from its own
// goroutine.
func (ws *WorkerServer) Start() {
	mux := asynq.NewServeMux()

	handler := NewRoomPersistenceHandler(ws.repo)
	mux.HandleFunc(tasks.TypeRoomUpsert, handler.ProcessUpsert)
	mux.HandleFunc(tasks.TypeRoomCheckout, handler.ProcessCheckout)
	mux.HandleFunc(tasks.TypeRoomArchiveSign, handler.ProcessArchiveSign)
	mux.HandleFunc(tasks.TypeRoomDelete, handler.ProcessDelete)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown stops the worker server gracefully.
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
