package jobmanager

import (
	"context"

	"github.com/jobnik/worker-sdk/core"
)

// Consumer exposes task acquisition and outcome reporting (§4.3). It is the
// only component permitted to transition a task to COMPLETED or FAILED; an
// optional IdempotencyGuard adds a fleet-wide check ahead of the always-on
// local precondition.
type Consumer struct {
	client Client
	guard  IdempotencyGuard
}

// NewConsumer builds a Consumer over client. guard may be nil, in which case
// a NoopIdempotencyGuard is used (single-replica, local-precondition-only
// protection).
func NewConsumer(client Client, guard IdempotencyGuard) *Consumer {
	if guard == nil {
		guard = NoopIdempotencyGuard{}
	}
	return &Consumer{client: client, guard: guard}
}

// DequeueTask claims the next task of stageType. A nil Task with a nil error
// means no task was available.
func (c *Consumer) DequeueTask(ctx context.Context, stageType string) (*Task, error) {
	task, err := c.client.DequeueTask(ctx, stageType)
	if err != nil {
		return nil, core.NewConsumerError(core.ConsumerRequestFailed, err)
	}
	return task, nil
}

// MarkTaskCompleted settles task as COMPLETED, enforcing the IN_PROGRESS
// local precondition first.
func (c *Consumer) MarkTaskCompleted(ctx context.Context, taskID TaskId) error {
	return c.markTask(ctx, taskID, TaskCompleted)
}

// MarkTaskFailed settles task as FAILED, enforcing the IN_PROGRESS local
// precondition first.
func (c *Consumer) MarkTaskFailed(ctx context.Context, taskID TaskId) error {
	return c.markTask(ctx, taskID, TaskFailed)
}

func (c *Consumer) markTask(ctx context.Context, taskID TaskId, target TaskStatus) error {
	task, err := c.client.GetTask(ctx, taskID)
	if err != nil {
		return core.NewConsumerError(core.ConsumerRetrieveFailed, err)
	}

	if task.Status != TaskInProgress {
		return core.NewIllegalLocalTransitionError(string(task.Status), string(TaskInProgress))
	}

	claimed, err := c.guard.Claim(ctx, taskID)
	if err != nil && !claimed {
		return core.NewConsumerError(core.ConsumerStatusUpdateFailed, err)
	}
	if !claimed {
		return core.NewIllegalLocalTransitionError(string(task.Status), string(TaskInProgress))
	}

	if err := c.client.UpdateTaskStatus(ctx, taskID, target); err != nil {
		return core.NewConsumerError(core.ConsumerStatusUpdateFailed, err)
	}
	return nil
}
