package worker

import (
	"context"

	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/jobmanager"
)

// Handler is the user-supplied function invoked once per dequeued task. A
// returned error settles the task as FAILED; a nil return settles it as
// COMPLETED (§4.4.2).
type Handler func(ctx context.Context, task *jobmanager.Task, hctx *HandlerContext) error

// HandlerContext is the per-task bundle built before a handler runs (§3).
// Its lifetime ends when the handler returns.
type HandlerContext struct {
	// Signal is cancelled when the owning Worker is stopped; well-behaved
	// handlers poll it (via ctx.Done(), since Signal is itself a
	// context.Context) to return promptly on shutdown.
	Signal context.Context

	Logger    core.Logger
	Producer  *jobmanager.Producer
	APIClient jobmanager.ScopedClient

	Stage *jobmanager.Stage
	Job   *jobmanager.Job

	updateJobUserMetadata   func(ctx context.Context, metadata jobmanager.UserMetadata) error
	updateStageUserMetadata func(ctx context.Context, metadata jobmanager.UserMetadata) error
	updateTaskUserMetadata  func(ctx context.Context, metadata jobmanager.UserMetadata) error
}

// UpdateJobUserMetadata replaces the user metadata of this task's job.
func (h *HandlerContext) UpdateJobUserMetadata(ctx context.Context, metadata jobmanager.UserMetadata) error {
	return h.updateJobUserMetadata(ctx, metadata)
}

// UpdateStageUserMetadata replaces the user metadata of this task's stage.
func (h *HandlerContext) UpdateStageUserMetadata(ctx context.Context, metadata jobmanager.UserMetadata) error {
	return h.updateStageUserMetadata(ctx, metadata)
}

// UpdateTaskUserMetadata replaces the user metadata of this task.
func (h *HandlerContext) UpdateTaskUserMetadata(ctx context.Context, metadata jobmanager.UserMetadata) error {
	return h.updateTaskUserMetadata(ctx, metadata)
}

func newHandlerContext(
	signal context.Context,
	logger core.Logger,
	producer *jobmanager.Producer,
	apiClient jobmanager.ScopedClient,
	stage *jobmanager.Stage,
	job *jobmanager.Job,
	taskID jobmanager.TaskId,
) *HandlerContext {
	return &HandlerContext{
		Signal:    signal,
		Logger:    logger,
		Producer:  producer,
		APIClient: apiClient,
		Stage:     stage,
		Job:       job,
		updateJobUserMetadata: func(ctx context.Context, metadata jobmanager.UserMetadata) error {
			return apiClient.UpdateJobUserMetadata(ctx, job.ID, metadata)
		},
		updateStageUserMetadata: func(ctx context.Context, metadata jobmanager.UserMetadata) error {
			return apiClient.UpdateStageUserMetadata(ctx, stage.ID, metadata)
		},
		updateTaskUserMetadata: func(ctx context.Context, metadata jobmanager.UserMetadata) error {
			return apiClient.UpdateTaskUserMetadata(ctx, taskID, metadata)
		},
	}
}
